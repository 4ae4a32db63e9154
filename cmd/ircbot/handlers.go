package main

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/matt0x6f/ircbot/internal/bot"
	"github.com/matt0x6f/ircbot/internal/storage"
)

var beers = []string{
	"Prost!",
	"Feierabend?",
	"Beer is the answer, but I can't remember the question ...",
	"Somebody go get a round!",
	"Beer price cap now!",
}

// registerHandlers installs the example commands.
func registerHandlers(b *bot.Bot, st *storage.Storage) {
	b.AddHandler(bot.EventBotCommand, "", bot.OriginChannel, "say", sayHandler)
	b.AddHandler(bot.EventBotCommand, "", bot.OriginChannel, "bier", bierHandler)
	b.AddHandler(bot.EventJoined, "", bot.OriginChannel, "", greetHandler)
	if st != nil {
		b.AddHandler(bot.EventBotCommand, "", "", "seen", bot.SeenHandler(st))
	}
}

func sayHandler(e *bot.Event) {
	switch e.Arg {
	case "":
		return
	case "my name":
		e.Reply(e.From)
	default:
		e.Reply(e.Arg)
	}
}

func bierHandler(e *bot.Event) {
	if e.Arg == "" {
		e.Reply(beers[rand.IntN(len(beers))])
		return
	}
	if strings.ContainsRune(e.Arg, ' ') {
		return
	}
	e.Response().AddMsg(e.ReplyTo(), fmt.Sprintf("fills %s up with beer!", e.Arg), true)
}

func greetHandler(e *bot.Event) {
	e.Reply(fmt.Sprintf("Hallo %s!", e.From))
}
