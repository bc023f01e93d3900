package capability

import (
	"fmt"
	"reflect"
)

// Surface is everything a bot script can do. Scripts are Go programs in
// package main that import "bot" and define an entry point:
//
//	func OnMessage(name, message string) {
//		// code goes here
//	}
//
// OnMessage is called for each message posted in the chatroom. name is the
// full name of the person who posted the message and message is the full
// message.
//
// A script may instead (or also) declare periodic jobs with bot.Periodic.
//
// You may call these functions to act in the chat:
type Surface struct {
	binding
}

// Broadcast sends a highlighted broadcast message to the chatroom.
//
// name: name from which the message will be sent (max 15 characters)
// msg: message to send
// color: highlight color. Can be yellow (default), red, green, purple, or random
func (s *Surface) Broadcast(name, msg any, color ...string) {
	if !s.enter() {
		return
	}
	defer s.leave()

	c := "yellow"
	if len(color) > 0 && color[0] != "" {
		c = color[0]
	}
	if !broadcastColors[c] {
		s.abort(fmt.Errorf("%w: unknown broadcast color %q", ErrCapabilityMisuse, c))
	}
	sender := truncateRunes(fmt.Sprint(name), senderNameLimit)
	text := fmt.Sprint(msg)
	s.out.Broadcasts = append(s.out.Broadcasts, BroadcastEffect{
		Name:     sender,
		Msg:      text,
		Color:    c,
		BotName:  s.bot.Name,
		BotOwner: s.bot.Owner,
	})
	s.out.setLastSaid(fmt.Sprintf("[BROADCAST] %s: %s", sender, text))
}

// Say makes the chatbot say something in the chatroom.
//
// msg: message to send
func (s *Surface) Say(msg any) {
	if !s.enter() {
		return
	}
	defer s.leave()

	text := fmt.Sprint(msg)
	s.out.Messages = append(s.out.Messages, text)
	s.out.setLastSaid(text)
}

// Load loads data from the database.
//
// key: the unique name of this data
// returns: a copy of the saved value, or nil if nothing was saved.
// Numbers come back as int64 or float64, maps as map[string]any and
// lists as []any.
func (s *Surface) Load(key string) any {
	if !s.enter() {
		return nil
	}
	defer s.leave()

	v, ok := s.state[key]
	if !ok {
		return nil
	}
	out, err := clone(v)
	if err != nil {
		s.abort(fmt.Errorf("%w: load %q: %v", ErrCapabilityMisuse, key, err))
	}
	return out
}

// Save saves data to the database.
//
// key: the unique name of this data (you will use this to load it later)
// value: the data to store. It is copied, so changing it afterwards does
// not change what was saved.
func (s *Surface) Save(key string, value any) {
	if !s.enter() {
		return
	}
	defer s.leave()

	v, err := clone(value)
	if err != nil {
		s.abort(fmt.Errorf("%w: value for %q cannot be saved: %v", ErrCapabilityMisuse, key, err))
	}
	s.state[key] = v
}

// Curl fetches data from THE INTERNET.
//
// url: the URL to fetch data from (must include http:// or https://)
// returns: the body of the HTTP response
//
// You may only fetch 3 different URLs per message. Fetching the same URL
// twice returns the data from the first fetch.
func (s *Surface) Curl(url string) string {
	if !s.enter() {
		return ""
	}
	defer s.leave()

	if body, ok := s.cache[url]; ok {
		return body
	}
	if s.missing == "" {
		s.missing = url
	}
	s.abort(fmt.Errorf("%w: %s", errFetchNeeded, url))
	return ""
}

// Periodic declares a job that runs on a schedule instead of on messages.
//
// name: the job name
// minute, hour, dayofweek: nil for any, a number, or a schedule string
// fn: a function taking no arguments
// returns: a stub. Periodic jobs cannot be called directly.
//
//	var Nightly = bot.Periodic("nightly", 0, 3, nil, func() {
//		bot.Say("good night")
//	})
func (s *Surface) Periodic(name string, minute, hour, dayofweek any, fn any) func() {
	if !s.enter() {
		return func() {}
	}
	defer s.leave()

	if name == "" {
		s.abort(fmt.Errorf("%w: periodic job needs a name", ErrValidation))
	}
	fv := reflect.ValueOf(fn)
	if !fv.IsValid() || fv.Kind() != reflect.Func {
		s.abort(fmt.Errorf("%w: periodic job `%s` must be a function", ErrValidation, name))
	}
	if fv.Type().NumIn() != 0 {
		s.abort(fmt.Errorf("%w: periodic function `%s` cannot have any arguments", ErrValidation, name))
	}
	job := Job{Func: CodeRef{Bot: s.bot.Name, Job: name, Digest: s.bot.Digest}}
	var err error
	if job.Minute, err = scheduleField("minute", minute, 0, 59); err == nil {
		if job.Hour, err = scheduleField("hour", hour, 0, 23); err == nil {
			job.DayOfWeek, err = scheduleField("dayofweek", dayofweek, 0, 6)
		}
	}
	if err != nil {
		s.abort(fmt.Errorf("%w: periodic job `%s`: %v", ErrValidation, name, err))
	}
	s.out.Timers[name] = job
	s.jobs[name] = func() { fv.Call(nil) }

	return func() {
		if !s.enter() {
			return
		}
		defer s.leave()
		s.abort(fmt.Errorf("%w: don't call periodic function `%s` directly", ErrCapabilityMisuse, name))
	}
}
