package validation

import (
	"fmt"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/idna"
)

// maxNickLength is generous; servers announce their own limit in ISUPPORT.
const maxNickLength = 32

// ValidateNickname validates an IRC nickname
func ValidateNickname(nick string) error {
	if nick == "" {
		return fmt.Errorf("nickname is required")
	}
	if len(nick) > maxNickLength {
		return fmt.Errorf("nickname too long (max %d characters)", maxNickLength)
	}
	first := nick[0]
	if first >= '0' && first <= '9' || first == '-' {
		return fmt.Errorf("nickname must not start with a digit or '-'")
	}
	for i := 0; i < len(nick); i++ {
		c := nick[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("[]\\`_^{|}-", c) >= 0:
		default:
			return fmt.Errorf("nickname contains invalid character %q", c)
		}
	}
	return nil
}

// ValidateChannelName validates an IRC channel name
func ValidateChannelName(channel string) error {
	if channel == "" {
		return fmt.Errorf("channel name is required")
	}
	// IRC channels must start with #, &, +, or !
	if channel[0] != '#' && channel[0] != '&' && channel[0] != '+' && channel[0] != '!' {
		return fmt.Errorf("channel name must start with #, &, +, or !")
	}
	if len(channel) > 200 {
		return fmt.Errorf("channel name too long (max 200 characters)")
	}
	if strings.ContainsAny(channel, " \x00\x07\x0A\x0D,:") {
		return fmt.Errorf("channel name contains invalid characters")
	}
	return nil
}

// ValidateServerAddress validates a server host name and port
func ValidateServerAddress(address string, port int) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("server address is required")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if net.ParseIP(address) != nil {
		return nil
	}
	if _, err := idna.Lookup.ToASCII(address); err != nil {
		return fmt.Errorf("invalid server address %q: %w", address, err)
	}
	return nil
}

// Register adds the ircnick, ircchannel and irchost tags to v.
func Register(v *validator.Validate) error {
	tags := map[string]func(string) error{
		"ircnick":    ValidateNickname,
		"ircchannel": ValidateChannelName,
		"irchost": func(s string) error {
			return ValidateServerAddress(s, 6667)
		},
	}
	for tag, check := range tags {
		check := check
		err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return check(fl.Field().String()) == nil
		})
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", tag, err)
		}
	}
	return nil
}
