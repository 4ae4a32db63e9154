package irc

import "strconv"

// Command is a classified protocol command. Numeric replies have their
// numeric value; named commands are numbered from 1000 up.
type Command int

// CmdUnknown is any command outside the table, including numerics from
// 100 to 199.
const CmdUnknown Command = 0

// Numeric replies
const (
	RPL_WELCOME           Command = 1
	RPL_YOURHOST          Command = 2
	RPL_CREATED           Command = 3
	RPL_MYINFO            Command = 4
	RPL_BOUNCE            Command = 5
	RPL_TRACELINK         Command = 200
	RPL_TRACECONNECTING   Command = 201
	RPL_TRACEHANDSHAKE    Command = 202
	RPL_TRACEUNKNOWN      Command = 203
	RPL_TRACEOPERATOR     Command = 204
	RPL_TRACEUSER         Command = 205
	RPL_TRACESERVER       Command = 206
	RPL_TRACESERVICE      Command = 207
	RPL_TRACENEWTYPE      Command = 208
	RPL_TRACECLASS        Command = 209
	RPL_TRACECONNECT      Command = 210
	RPL_STATSLINKINFO     Command = 211
	RPL_STATSCOMMANDS     Command = 212
	RPL_STATSCLINE        Command = 213
	RPL_STATSNLINE        Command = 214
	RPL_STATSILINE        Command = 215
	RPL_STATSKLINE        Command = 216
	RPL_STATSQLINE        Command = 217
	RPL_STATSYLINE        Command = 218
	RPL_ENDOFSTATS        Command = 219
	RPL_UMODEIS           Command = 221
	RPL_SERVICEINFO       Command = 231
	RPL_ENDOFSERVICES     Command = 232
	RPL_SERVICE           Command = 233
	RPL_SERVLIST          Command = 234
	RPL_SERVLISTEND       Command = 235
	RPL_STATSVLINE        Command = 240
	RPL_STATSLLINE        Command = 241
	RPL_STATSUPTIME       Command = 242
	RPL_STATSONLINE       Command = 243
	RPL_STATSHLINE        Command = 244
	RPL_STATSSLINE        Command = 245
	RPL_STATSPING         Command = 246
	RPL_STATSBLINE        Command = 247
	RPL_STATSDLINE        Command = 250
	RPL_LUSERCLIENT       Command = 251
	RPL_LUSEROP           Command = 252
	RPL_LUSERUNKNOWN      Command = 253
	RPL_LUSERCHANNELS     Command = 254
	RPL_LUSERME           Command = 255
	RPL_ADMINME           Command = 256
	RPL_ADMINLOC1         Command = 257
	RPL_ADMINLOC2         Command = 258
	RPL_ADMINEMAIL        Command = 259
	RPL_TRACELOG          Command = 261
	RPL_TRACEEND          Command = 262
	RPL_TRYAGAIN          Command = 263
	RPL_NONE              Command = 300
	RPL_AWAY              Command = 301
	RPL_USERHOST          Command = 302
	RPL_ISON              Command = 303
	RPL_UNAWAY            Command = 305
	RPL_NOWAWAY           Command = 306
	RPL_WHOISUSER         Command = 311
	RPL_WHOISSERVER       Command = 312
	RPL_WHOISOPERATOR     Command = 313
	RPL_WHOWASUSER        Command = 314
	RPL_ENDOFWHO          Command = 315
	RPL_WHOISCHANOP       Command = 316
	RPL_WHOISIDLE         Command = 317
	RPL_ENDOFWHOIS        Command = 318
	RPL_WHOISCHANNELS     Command = 319
	RPL_LISTSTART         Command = 321
	RPL_LIST              Command = 322
	RPL_LISTEND           Command = 323
	RPL_CHANNELMODEIS     Command = 324
	RPL_UNIQOPIS          Command = 325
	RPL_NOTOPIC           Command = 331
	RPL_TOPIC             Command = 332
	RPL_INVITING          Command = 341
	RPL_SUMMONING         Command = 342
	RPL_INVITELIST        Command = 346
	RPL_ENDOFINVITELIST   Command = 347
	RPL_EXCEPTLIST        Command = 348
	RPL_ENDOFEXCEPTLIST   Command = 349
	RPL_VERSION           Command = 351
	RPL_WHOREPLY          Command = 352
	RPL_NAMREPLY          Command = 353
	RPL_KILLDONE          Command = 361
	RPL_CLOSING           Command = 362
	RPL_CLOSEEND          Command = 363
	RPL_LINKS             Command = 364
	RPL_ENDOFLINKS        Command = 365
	RPL_ENDOFNAMES        Command = 366
	RPL_BANLIST           Command = 367
	RPL_ENDOFBANLIST      Command = 368
	RPL_ENDOFWHOWAS       Command = 369
	RPL_INFO              Command = 371
	RPL_MOTD              Command = 372
	RPL_INFOSTART         Command = 373
	RPL_ENDOFINFO         Command = 374
	RPL_MOTDSTART         Command = 375
	RPL_ENDOFMOTD         Command = 376
	RPL_YOUREOPER         Command = 381
	RPL_REHASHING         Command = 382
	RPL_YOURESERVICE      Command = 383
	RPL_MYPORTIS          Command = 384
	RPL_TIME              Command = 391
	RPL_USERSSTART        Command = 392
	RPL_USERS             Command = 393
	RPL_ENDOFUSERS        Command = 394
	RPL_NOUSERS           Command = 395
	ERR_NOSUCHNICK        Command = 401
	ERR_NOSUCHSERVER      Command = 402
	ERR_NOSUCHCHANNEL     Command = 403
	ERR_CANNOTSENDTOCHAN  Command = 404
	ERR_TOOMANYCHANNELS   Command = 405
	ERR_WASNOSUCHNICK     Command = 406
	ERR_TOOMANYTARGETS    Command = 407
	ERR_NOSUCHSERVICE     Command = 408
	ERR_NOORIGIN          Command = 409
	ERR_NORECIPIENT       Command = 411
	ERR_NOTEXTTOSEND      Command = 412
	ERR_NOTOPLEVEL        Command = 413
	ERR_WILDTOPLEVEL      Command = 414
	ERR_BADMASK           Command = 415
	ERR_UNKNOWNCOMMAND    Command = 421
	ERR_NOMOTD            Command = 422
	ERR_NOADMININFO       Command = 423
	ERR_FILEERROR         Command = 424
	ERR_NONICKNAMEGIVEN   Command = 431
	ERR_ERRONEUSNICKNAME  Command = 432
	ERR_NICKNAMEINUSE     Command = 433
	ERR_NICKCOLLISION     Command = 436
	ERR_UNAVAILRESOURCE   Command = 437
	ERR_USERNOTINCHANNEL  Command = 441
	ERR_NOTONCHANNEL      Command = 442
	ERR_USERONCHANNEL     Command = 443
	ERR_NOLOGIN           Command = 444
	ERR_SUMMONDISABLED    Command = 445
	ERR_USERSDISABLED     Command = 446
	ERR_NOTREGISTERED     Command = 451
	ERR_NEEDMOREPARAMS    Command = 461
	ERR_ALREADYREGISTERED Command = 462
	ERR_NOPERMFORHOST     Command = 463
	ERR_PASSWDMISMATCH    Command = 464
	ERR_YOUREBANNEDCREEP  Command = 465
	ERR_YOUWILLBEBANNED   Command = 466
	ERR_KEYSET            Command = 467
	ERR_CHANNELISFULL     Command = 471
	ERR_UNKNOWNMODE       Command = 472
	ERR_INVITEONLYCHAN    Command = 473
	ERR_BANNEDFROMCHAN    Command = 474
	ERR_BADCHANNELKEY     Command = 475
	ERR_BADCHANMASK       Command = 476
	ERR_NOCHANMODES       Command = 477
	ERR_BANLISTFULL       Command = 478
	ERR_NOPRIVILEGES      Command = 481
	ERR_CHANOPPRIVSNEEDED Command = 482
	ERR_CANTKILLSERVER    Command = 483
	ERR_RESTRICTED        Command = 484
	ERR_UNIQOPPRIVSNEEDED Command = 485
	ERR_NOOPERHOST        Command = 491
	ERR_NOSERVICEHOST     Command = 492
	ERR_UMODEUNKNOWNFLAG  Command = 501
	ERR_USERSDONTMATCH    Command = 502
)

// Named commands
const (
	PASS Command = 1000 + iota
	NICK
	USER
	OPER
	MODE
	SERVICE
	QUIT
	SQUIT
	JOIN
	PART
	TOPIC
	NAMES
	LIST
	INVITE
	KICK
	PRIVMSG
	NOTICE
	MOTD
	LUSERS
	VERSION
	STATS
	LINKS
	TIME
	CONNECT
	TRACE
	ADMIN
	INFO
	SERVLIST
	SQUERY
	WHO
	WHOIS
	WHOWAS
	KILL
	PING
	PONG
	ERROR
	AWAY
	REHASH
	DIE
	RESTART
	SUMMON
	USERS
	WALLOPS
	USERHOST
	ISON
)

var namedCommands = map[string]Command{
	"PASS":     PASS,
	"NICK":     NICK,
	"USER":     USER,
	"OPER":     OPER,
	"MODE":     MODE,
	"SERVICE":  SERVICE,
	"QUIT":     QUIT,
	"SQUIT":    SQUIT,
	"JOIN":     JOIN,
	"PART":     PART,
	"TOPIC":    TOPIC,
	"NAMES":    NAMES,
	"LIST":     LIST,
	"INVITE":   INVITE,
	"KICK":     KICK,
	"PRIVMSG":  PRIVMSG,
	"NOTICE":   NOTICE,
	"MOTD":     MOTD,
	"LUSERS":   LUSERS,
	"VERSION":  VERSION,
	"STATS":    STATS,
	"LINKS":    LINKS,
	"TIME":     TIME,
	"CONNECT":  CONNECT,
	"TRACE":    TRACE,
	"ADMIN":    ADMIN,
	"INFO":     INFO,
	"SERVLIST": SERVLIST,
	"SQUERY":   SQUERY,
	"WHO":      WHO,
	"WHOIS":    WHOIS,
	"WHOWAS":   WHOWAS,
	"KILL":     KILL,
	"PING":     PING,
	"PONG":     PONG,
	"ERROR":    ERROR,
	"AWAY":     AWAY,
	"REHASH":   REHASH,
	"DIE":      DIE,
	"RESTART":  RESTART,
	"SUMMON":   SUMMON,
	"USERS":    USERS,
	"WALLOPS":  WALLOPS,
	"USERHOST": USERHOST,
	"ISON":     ISON,
}

var numericNames = map[Command]string{
	RPL_WELCOME:           "RPL_WELCOME",
	RPL_YOURHOST:          "RPL_YOURHOST",
	RPL_CREATED:           "RPL_CREATED",
	RPL_MYINFO:            "RPL_MYINFO",
	RPL_BOUNCE:            "RPL_BOUNCE",
	RPL_TRACELINK:         "RPL_TRACELINK",
	RPL_TRACECONNECTING:   "RPL_TRACECONNECTING",
	RPL_TRACEHANDSHAKE:    "RPL_TRACEHANDSHAKE",
	RPL_TRACEUNKNOWN:      "RPL_TRACEUNKNOWN",
	RPL_TRACEOPERATOR:     "RPL_TRACEOPERATOR",
	RPL_TRACEUSER:         "RPL_TRACEUSER",
	RPL_TRACESERVER:       "RPL_TRACESERVER",
	RPL_TRACESERVICE:      "RPL_TRACESERVICE",
	RPL_TRACENEWTYPE:      "RPL_TRACENEWTYPE",
	RPL_TRACECLASS:        "RPL_TRACECLASS",
	RPL_TRACECONNECT:      "RPL_TRACECONNECT",
	RPL_STATSLINKINFO:     "RPL_STATSLINKINFO",
	RPL_STATSCOMMANDS:     "RPL_STATSCOMMANDS",
	RPL_STATSCLINE:        "RPL_STATSCLINE",
	RPL_STATSNLINE:        "RPL_STATSNLINE",
	RPL_STATSILINE:        "RPL_STATSILINE",
	RPL_STATSKLINE:        "RPL_STATSKLINE",
	RPL_STATSQLINE:        "RPL_STATSQLINE",
	RPL_STATSYLINE:        "RPL_STATSYLINE",
	RPL_ENDOFSTATS:        "RPL_ENDOFSTATS",
	RPL_UMODEIS:           "RPL_UMODEIS",
	RPL_SERVICEINFO:       "RPL_SERVICEINFO",
	RPL_ENDOFSERVICES:     "RPL_ENDOFSERVICES",
	RPL_SERVICE:           "RPL_SERVICE",
	RPL_SERVLIST:          "RPL_SERVLIST",
	RPL_SERVLISTEND:       "RPL_SERVLISTEND",
	RPL_STATSVLINE:        "RPL_STATSVLINE",
	RPL_STATSLLINE:        "RPL_STATSLLINE",
	RPL_STATSUPTIME:       "RPL_STATSUPTIME",
	RPL_STATSONLINE:       "RPL_STATSONLINE",
	RPL_STATSHLINE:        "RPL_STATSHLINE",
	RPL_STATSSLINE:        "RPL_STATSSLINE",
	RPL_STATSPING:         "RPL_STATSPING",
	RPL_STATSBLINE:        "RPL_STATSBLINE",
	RPL_STATSDLINE:        "RPL_STATSDLINE",
	RPL_LUSERCLIENT:       "RPL_LUSERCLIENT",
	RPL_LUSEROP:           "RPL_LUSEROP",
	RPL_LUSERUNKNOWN:      "RPL_LUSERUNKNOWN",
	RPL_LUSERCHANNELS:     "RPL_LUSERCHANNELS",
	RPL_LUSERME:           "RPL_LUSERME",
	RPL_ADMINME:           "RPL_ADMINME",
	RPL_ADMINLOC1:         "RPL_ADMINLOC1",
	RPL_ADMINLOC2:         "RPL_ADMINLOC2",
	RPL_ADMINEMAIL:        "RPL_ADMINEMAIL",
	RPL_TRACELOG:          "RPL_TRACELOG",
	RPL_TRACEEND:          "RPL_TRACEEND",
	RPL_TRYAGAIN:          "RPL_TRYAGAIN",
	RPL_NONE:              "RPL_NONE",
	RPL_AWAY:              "RPL_AWAY",
	RPL_USERHOST:          "RPL_USERHOST",
	RPL_ISON:              "RPL_ISON",
	RPL_UNAWAY:            "RPL_UNAWAY",
	RPL_NOWAWAY:           "RPL_NOWAWAY",
	RPL_WHOISUSER:         "RPL_WHOISUSER",
	RPL_WHOISSERVER:       "RPL_WHOISSERVER",
	RPL_WHOISOPERATOR:     "RPL_WHOISOPERATOR",
	RPL_WHOWASUSER:        "RPL_WHOWASUSER",
	RPL_ENDOFWHO:          "RPL_ENDOFWHO",
	RPL_WHOISCHANOP:       "RPL_WHOISCHANOP",
	RPL_WHOISIDLE:         "RPL_WHOISIDLE",
	RPL_ENDOFWHOIS:        "RPL_ENDOFWHOIS",
	RPL_WHOISCHANNELS:     "RPL_WHOISCHANNELS",
	RPL_LISTSTART:         "RPL_LISTSTART",
	RPL_LIST:              "RPL_LIST",
	RPL_LISTEND:           "RPL_LISTEND",
	RPL_CHANNELMODEIS:     "RPL_CHANNELMODEIS",
	RPL_UNIQOPIS:          "RPL_UNIQOPIS",
	RPL_NOTOPIC:           "RPL_NOTOPIC",
	RPL_TOPIC:             "RPL_TOPIC",
	RPL_INVITING:          "RPL_INVITING",
	RPL_SUMMONING:         "RPL_SUMMONING",
	RPL_INVITELIST:        "RPL_INVITELIST",
	RPL_ENDOFINVITELIST:   "RPL_ENDOFINVITELIST",
	RPL_EXCEPTLIST:        "RPL_EXCEPTLIST",
	RPL_ENDOFEXCEPTLIST:   "RPL_ENDOFEXCEPTLIST",
	RPL_VERSION:           "RPL_VERSION",
	RPL_WHOREPLY:          "RPL_WHOREPLY",
	RPL_NAMREPLY:          "RPL_NAMREPLY",
	RPL_KILLDONE:          "RPL_KILLDONE",
	RPL_CLOSING:           "RPL_CLOSING",
	RPL_CLOSEEND:          "RPL_CLOSEEND",
	RPL_LINKS:             "RPL_LINKS",
	RPL_ENDOFLINKS:        "RPL_ENDOFLINKS",
	RPL_ENDOFNAMES:        "RPL_ENDOFNAMES",
	RPL_BANLIST:           "RPL_BANLIST",
	RPL_ENDOFBANLIST:      "RPL_ENDOFBANLIST",
	RPL_ENDOFWHOWAS:       "RPL_ENDOFWHOWAS",
	RPL_INFO:              "RPL_INFO",
	RPL_MOTD:              "RPL_MOTD",
	RPL_INFOSTART:         "RPL_INFOSTART",
	RPL_ENDOFINFO:         "RPL_ENDOFINFO",
	RPL_MOTDSTART:         "RPL_MOTDSTART",
	RPL_ENDOFMOTD:         "RPL_ENDOFMOTD",
	RPL_YOUREOPER:         "RPL_YOUREOPER",
	RPL_REHASHING:         "RPL_REHASHING",
	RPL_YOURESERVICE:      "RPL_YOURESERVICE",
	RPL_MYPORTIS:          "RPL_MYPORTIS",
	RPL_TIME:              "RPL_TIME",
	RPL_USERSSTART:        "RPL_USERSSTART",
	RPL_USERS:             "RPL_USERS",
	RPL_ENDOFUSERS:        "RPL_ENDOFUSERS",
	RPL_NOUSERS:           "RPL_NOUSERS",
	ERR_NOSUCHNICK:        "ERR_NOSUCHNICK",
	ERR_NOSUCHSERVER:      "ERR_NOSUCHSERVER",
	ERR_NOSUCHCHANNEL:     "ERR_NOSUCHCHANNEL",
	ERR_CANNOTSENDTOCHAN:  "ERR_CANNOTSENDTOCHAN",
	ERR_TOOMANYCHANNELS:   "ERR_TOOMANYCHANNELS",
	ERR_WASNOSUCHNICK:     "ERR_WASNOSUCHNICK",
	ERR_TOOMANYTARGETS:    "ERR_TOOMANYTARGETS",
	ERR_NOSUCHSERVICE:     "ERR_NOSUCHSERVICE",
	ERR_NOORIGIN:          "ERR_NOORIGIN",
	ERR_NORECIPIENT:       "ERR_NORECIPIENT",
	ERR_NOTEXTTOSEND:      "ERR_NOTEXTTOSEND",
	ERR_NOTOPLEVEL:        "ERR_NOTOPLEVEL",
	ERR_WILDTOPLEVEL:      "ERR_WILDTOPLEVEL",
	ERR_BADMASK:           "ERR_BADMASK",
	ERR_UNKNOWNCOMMAND:    "ERR_UNKNOWNCOMMAND",
	ERR_NOMOTD:            "ERR_NOMOTD",
	ERR_NOADMININFO:       "ERR_NOADMININFO",
	ERR_FILEERROR:         "ERR_FILEERROR",
	ERR_NONICKNAMEGIVEN:   "ERR_NONICKNAMEGIVEN",
	ERR_ERRONEUSNICKNAME:  "ERR_ERRONEUSNICKNAME",
	ERR_NICKNAMEINUSE:     "ERR_NICKNAMEINUSE",
	ERR_NICKCOLLISION:     "ERR_NICKCOLLISION",
	ERR_UNAVAILRESOURCE:   "ERR_UNAVAILRESOURCE",
	ERR_USERNOTINCHANNEL:  "ERR_USERNOTINCHANNEL",
	ERR_NOTONCHANNEL:      "ERR_NOTONCHANNEL",
	ERR_USERONCHANNEL:     "ERR_USERONCHANNEL",
	ERR_NOLOGIN:           "ERR_NOLOGIN",
	ERR_SUMMONDISABLED:    "ERR_SUMMONDISABLED",
	ERR_USERSDISABLED:     "ERR_USERSDISABLED",
	ERR_NOTREGISTERED:     "ERR_NOTREGISTERED",
	ERR_NEEDMOREPARAMS:    "ERR_NEEDMOREPARAMS",
	ERR_ALREADYREGISTERED: "ERR_ALREADYREGISTERED",
	ERR_NOPERMFORHOST:     "ERR_NOPERMFORHOST",
	ERR_PASSWDMISMATCH:    "ERR_PASSWDMISMATCH",
	ERR_YOUREBANNEDCREEP:  "ERR_YOUREBANNEDCREEP",
	ERR_YOUWILLBEBANNED:   "ERR_YOUWILLBEBANNED",
	ERR_KEYSET:            "ERR_KEYSET",
	ERR_CHANNELISFULL:     "ERR_CHANNELISFULL",
	ERR_UNKNOWNMODE:       "ERR_UNKNOWNMODE",
	ERR_INVITEONLYCHAN:    "ERR_INVITEONLYCHAN",
	ERR_BANNEDFROMCHAN:    "ERR_BANNEDFROMCHAN",
	ERR_BADCHANNELKEY:     "ERR_BADCHANNELKEY",
	ERR_BADCHANMASK:       "ERR_BADCHANMASK",
	ERR_NOCHANMODES:       "ERR_NOCHANMODES",
	ERR_BANLISTFULL:       "ERR_BANLISTFULL",
	ERR_NOPRIVILEGES:      "ERR_NOPRIVILEGES",
	ERR_CHANOPPRIVSNEEDED: "ERR_CHANOPPRIVSNEEDED",
	ERR_CANTKILLSERVER:    "ERR_CANTKILLSERVER",
	ERR_RESTRICTED:        "ERR_RESTRICTED",
	ERR_UNIQOPPRIVSNEEDED: "ERR_UNIQOPPRIVSNEEDED",
	ERR_NOOPERHOST:        "ERR_NOOPERHOST",
	ERR_NOSERVICEHOST:     "ERR_NOSERVICEHOST",
	ERR_UMODEUNKNOWNFLAG:  "ERR_UMODEUNKNOWNFLAG",
	ERR_USERSDONTMATCH:    "ERR_USERSDONTMATCH",
}

var commandTokens map[Command]string

func init() {
	commandTokens = make(map[Command]string, len(namedCommands))
	for token, cmd := range namedCommands {
		commandTokens[cmd] = token
	}
}

// ParseCommand classifies a raw command token.
func ParseCommand(token string) Command {
	if len(token) == 3 && isDigit(token[0]) && isDigit(token[1]) && isDigit(token[2]) {
		n, _ := strconv.Atoi(token)
		cmd := Command(n)
		if n >= 100 && n < 200 {
			return CmdUnknown
		}
		if _, ok := numericNames[cmd]; !ok {
			return CmdUnknown
		}
		return cmd
	}
	if cmd, ok := namedCommands[token]; ok {
		return cmd
	}
	return CmdUnknown
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// IsNumeric reports whether c is a numeric reply.
func (c Command) IsNumeric() bool {
	_, ok := numericNames[c]
	return ok
}

// String returns the wire token: the command name or the three digit
// numeric. It is empty for CmdUnknown.
func (c Command) String() string {
	if tok, ok := commandTokens[c]; ok {
		return tok
	}
	if _, ok := numericNames[c]; ok {
		return fmtNumeric(int(c))
	}
	return ""
}

// Name returns the symbolic name of a numeric reply, or the token of a
// named command.
func (c Command) Name() string {
	if name, ok := numericNames[c]; ok {
		return name
	}
	if tok, ok := commandTokens[c]; ok {
		return tok
	}
	return "UNKNOWN"
}

func fmtNumeric(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
