package capability

import "unicode/utf8"

const (
	// lastSaidLimit is how many characters of the last effect are kept
	// before the summary is cut and suffixed with "...".
	lastSaidLimit = 50

	// senderNameLimit bounds the sender name of a broadcast.
	senderNameLimit = 15
)

// BroadcastEffect is a highlighted chatroom message sent under a custom name.
type BroadcastEffect struct {
	Name     string `json:"name"`
	Msg      string `json:"msg"`
	Color    string `json:"color"`
	BotName  string `json:"botname"`
	BotOwner string `json:"botowner"`
}

// CodeRef identifies a periodic job's code without exposing it. The digest
// pins the bot source the declaration was made from.
type CodeRef struct {
	Bot    string `json:"bot"`
	Job    string `json:"job"`
	Digest string `json:"digest"`
}

// Job is a periodic job declaration. Schedule fields are nil (any value),
// an int64, or a string expression.
type Job struct {
	Minute    any     `json:"minute"`
	Hour      any     `json:"hour"`
	DayOfWeek any     `json:"dayofweek"`
	Func      CodeRef `json:"func"`
}

// Output accumulates every outward effect of one invocation.
type Output struct {
	Broadcasts []BroadcastEffect   `json:"broadcasts"`
	Messages   []string            `json:"messages"`
	Timers     map[string]Job      `json:"timers"`
	PMs        map[string][]string `json:"pms"`
	LastSaid   string              `json:"lastsaid"`
}

// NewOutput returns an empty accumulator. Collections are non-nil so they
// serialize as [] and {} rather than null.
func NewOutput() *Output {
	return &Output{
		Broadcasts: []BroadcastEffect{},
		Messages:   []string{},
		Timers:     map[string]Job{},
		PMs:        map[string][]string{},
	}
}

// Combine merges other into o. Sequences are concatenated, timers with the
// same name are overwritten and private notices are appended per recipient.
// LastSaid is per bot and is not merged.
func (o *Output) Combine(other *Output) {
	if other == nil {
		return
	}
	o.Broadcasts = append(o.Broadcasts, other.Broadcasts...)
	o.Messages = append(o.Messages, other.Messages...)
	for name, job := range other.Timers {
		o.Timers[name] = job
	}
	for user, notices := range other.PMs {
		o.PMs[user] = append(o.PMs[user], notices...)
	}
}

// Notify queues a private notice for user.
func (o *Output) Notify(user, msg string) {
	o.PMs[user] = append(o.PMs[user], msg)
}

func (o *Output) setLastSaid(s string) {
	o.LastSaid = Summarize(s)
}

// Summarize cuts s to the last-said limit, appending "..." when it was cut.
func Summarize(s string) string {
	if utf8.RuneCountInString(s) <= lastSaidLimit {
		return s
	}
	return string([]rune(s)[:lastSaidLimit]) + "..."
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
