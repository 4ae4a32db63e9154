package irc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameFull(t *testing.T) {
	buf := []byte(":nick!u@h PRIVMSG #chan p2 :trailing text\r\n")
	msg, next := ParseFrame(buf, 0)
	require.NotNil(t, msg)
	assert.Equal(t, len(buf), next)
	assert.Equal(t, "nick!u@h", msg.Prefix)
	assert.Equal(t, "nick", msg.Nick())
	assert.Equal(t, PRIVMSG, msg.Command)
	assert.Equal(t, "PRIVMSG", msg.RawCmd)
	assert.Equal(t, []string{"#chan", "p2", "trailing text"}, msg.Params)
	assert.Equal(t, "#chan p2 :trailing text", msg.RawParams)
}

func TestParseFrameNeedsCRLF(t *testing.T) {
	frame := []byte("PING :irc.example.org\r\n")
	for i := 1; i < len(frame); i++ {
		msg, next := ParseFrame(frame[:i], 0)
		assert.Nil(t, msg, "prefix of %d bytes", i)
		assert.Equal(t, 0, next, "prefix of %d bytes", i)
	}
	msg, next := ParseFrame(frame, 0)
	require.NotNil(t, msg)
	assert.Equal(t, len(frame), next)
	assert.Equal(t, PING, msg.Command)
	assert.Equal(t, []string{"irc.example.org"}, msg.Params)
}

func TestParseFrameEmptyFrameIsSkipped(t *testing.T) {
	buf := []byte("\r\nPONG x\r\n")
	msg, next := ParseFrame(buf, 0)
	assert.Nil(t, msg)
	assert.Equal(t, 2, next)

	msg, next = ParseFrame(buf, next)
	require.NotNil(t, msg)
	assert.Equal(t, PONG, msg.Command)
	assert.Equal(t, len(buf), next)
}

func TestParseFrameMultipleFrames(t *testing.T) {
	buf := []byte("NICK a\r\nNICK b\r\npartial")
	var nicks []string
	pos := 0
	for {
		msg, next := ParseFrame(buf, pos)
		if next == pos {
			break
		}
		pos = next
		if msg != nil {
			nicks = append(nicks, msg.Param(0))
		}
	}
	assert.Equal(t, []string{"a", "b"}, nicks)
	assert.Equal(t, "partial", string(buf[pos:]))
}

func TestParseFrameDegradesGracefully(t *testing.T) {
	cases := []struct {
		name    string
		line    string
		prefix  string
		command Command
		raw     string
		params  []string
	}{
		{"empty prefix", ": NOTICE x", "", NOTICE, "NOTICE", []string{"x"}},
		{"prefix only", ":lonely", "lonely", CmdUnknown, "", nil},
		{"reserved numeric", "150 a b", "", CmdUnknown, "150", []string{"a", "b"}},
		{"unknown numeric", "999 a", "", CmdUnknown, "999", []string{"a"}},
		{"unknown token", "FOO bar", "", CmdUnknown, "FOO", []string{"bar"}},
		{"numeric", ":srv 001 bot :Welcome home", "srv", RPL_WELCOME, "001", []string{"bot", "Welcome home"}},
		{"double space", "MODE a  b", "", MODE, "MODE", []string{"a", "", "b"}},
		{"colon inside token", "PRIVMSG a:b c", "", PRIVMSG, "PRIVMSG", []string{"a:b", "c"}},
		{"empty trailing", "TOPIC #c :", "", TOPIC, "TOPIC", []string{"#c", ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, _ := ParseFrame([]byte(tc.line+"\r\n"), 0)
			require.NotNil(t, msg)
			assert.Equal(t, tc.prefix, msg.Prefix)
			assert.Equal(t, tc.command, msg.Command)
			assert.Equal(t, tc.raw, msg.RawCmd)
			assert.Equal(t, tc.params, msg.Params)
		})
	}
}

func TestFormatLineRoundTrip(t *testing.T) {
	line, err := formatLine(PRIVMSG, true, "#chan", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "PRIVMSG #chan :hello there\r\n", string(line))

	msg, next := ParseFrame(line, 0)
	require.NotNil(t, msg)
	assert.Equal(t, len(line), next)
	assert.Equal(t, PRIVMSG, msg.Command)
	assert.Equal(t, []string{"#chan", "hello there"}, msg.Params)

	line, err = formatLine(JOIN, false, "#chan")
	require.NoError(t, err)
	assert.Equal(t, "JOIN #chan\r\n", string(line))

	line, err = formatLine(USER, true, "bot", "0", "*", "Real Name")
	require.NoError(t, err)
	assert.Equal(t, "USER bot 0 * :Real Name\r\n", string(line))
}

func TestFormatLineTooLong(t *testing.T) {
	_, err := formatLine(PRIVMSG, true, "#chan", strings.Repeat("x", 600))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestFormatRaw(t *testing.T) {
	line, err := formatRaw("PONG", ":abc def")
	require.NoError(t, err)
	assert.Equal(t, "PONG :abc def\r\n", string(line))

	line, err = formatRaw("PONG", "")
	require.NoError(t, err)
	assert.Equal(t, "PONG\r\n", string(line))

	_, err = formatRaw("PRIVMSG", "#c :a\r\nQUIT")
	assert.Error(t, err)
}

func TestCTCPAction(t *testing.T) {
	text, action := ctcpAction("\x01ACTION waves\x01")
	assert.True(t, action)
	assert.Equal(t, "waves", text)

	text, action = ctcpAction("hello")
	assert.False(t, action)
	assert.Equal(t, "hello", text)
}

func TestDecodeTextFallsBackToLatin1(t *testing.T) {
	assert.Equal(t, "grüß", decodeText("grüß"))
	assert.Equal(t, "grüß", decodeText("gr\xfc\xdf"))
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"abc", "de"}, splitText("abcde", 3))
	assert.Equal(t, []string{"one", "two"}, splitText("one\r\ntwo\n", 10))
	assert.Equal(t, []string{"ä", "ä", "ä"}, splitText("äää", 3))
	assert.Empty(t, splitText("", 10))
}

func TestParseCommand(t *testing.T) {
	assert.Equal(t, PRIVMSG, ParseCommand("PRIVMSG"))
	assert.Equal(t, RPL_NAMREPLY, ParseCommand("353"))
	assert.Equal(t, CmdUnknown, ParseCommand("1"))
	assert.Equal(t, "353", RPL_NAMREPLY.String())
	assert.Equal(t, "001", RPL_WELCOME.String())
	assert.Equal(t, "RPL_WELCOME", RPL_WELCOME.Name())
	assert.Equal(t, "JOIN", JOIN.String())
	assert.True(t, ERR_NICKNAMEINUSE.IsNumeric())
	assert.False(t, JOIN.IsNumeric())
	assert.Equal(t, "", CmdUnknown.String())
}
