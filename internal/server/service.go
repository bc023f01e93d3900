package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"botbox/internal/capability"
	"botbox/internal/dispatch"
	"botbox/internal/registry"
	"botbox/internal/store"
)

// Service implements the control operations on top of the registry and
// the dispatch loop.
type Service struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	manual     *capability.Manual
}

// NewService creates a Service.
func NewService(reg *registry.Registry, d *dispatch.Dispatcher, manual *capability.Manual) *Service {
	return &Service{registry: reg, dispatcher: d, manual: manual}
}

// Register installs every operation on s.
func (svc *Service) Register(s *Server) {
	s.Handle("message", svc.message)
	s.Handle("makebot", svc.makeBot)
	s.Handle("editbot", svc.editBot)
	s.Handle("killbot", svc.killBot)
	s.Handle("listbots", svc.listBots)
	s.Handle("botexists", svc.botExists)
	s.Handle("botdata", svc.botData)
	s.Handle("man", svc.man)
	s.Handle("removebot", svc.removeBot)
	s.Handle("runjob", svc.runJob)
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("missing required field: %s", field)
	}
	return nil
}

func (svc *Service) message(ctx context.Context, req Request) (any, error) {
	if err := required("name", req.Name); err != nil {
		return nil, err
	}
	return svc.dispatcher.Message(ctx, req.Name, req.Message)
}

func (svc *Service) makeBot(ctx context.Context, req Request) (any, error) {
	if err := errors.Join(required("name", req.Name), required("user", req.User), required("code", req.Code)); err != nil {
		return nil, err
	}
	if err := svc.registry.Add(ctx, req.Name, req.User, req.Code); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Created `%s` bot", req.Name), nil
}

func (svc *Service) editBot(ctx context.Context, req Request) (any, error) {
	if err := errors.Join(required("name", req.Name), required("user", req.User), required("code", req.Code)); err != nil {
		return nil, err
	}
	if err := svc.registry.Edit(ctx, req.Name, req.User, req.Code); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Edited `%s` bot successfully", req.Name), nil
}

func (svc *Service) killBot(ctx context.Context, req Request) (any, error) {
	if err := required("name", req.Name); err != nil {
		return nil, err
	}
	if err := svc.registry.Remove(ctx, req.Name); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Bot `%s` has been killed", req.Name), nil
}

func (svc *Service) listBots(ctx context.Context, _ Request) (any, error) {
	bots, err := svc.registry.All(ctx)
	if err != nil {
		return nil, err
	}
	return formatBotList(bots), nil
}

// formatBotList renders the bot table: a header, a rule as long as the
// header line including its newline, then one row per bot.
func formatBotList(bots []store.Bot) string {
	const nameHeader = "Bot Name"
	width := utf8.RuneCountInString(nameHeader)
	for _, b := range bots {
		width = max(width, utf8.RuneCountInString(b.Name))
	}
	pad := func(name string) string {
		return name + strings.Repeat(" ", width-utf8.RuneCountInString(name)+4)
	}

	header := pad(nameHeader) + "Last Thing It Said\n"
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString(strings.Repeat("-", len(header)))
	sb.WriteString("\n")
	for _, b := range bots {
		sb.WriteString(pad(b.Name))
		sb.WriteString(b.LastSaid)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (svc *Service) botExists(ctx context.Context, req Request) (any, error) {
	if err := required("name", req.Name); err != nil {
		return nil, err
	}
	return svc.registry.Exists(ctx, req.Name)
}

func (svc *Service) botData(ctx context.Context, req Request) (any, error) {
	if err := required("name", req.Name); err != nil {
		return nil, err
	}
	b, err := svc.registry.Get(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return BotData{
		Name:       b.Name,
		User:       b.Owner,
		Code:       b.Source,
		Digest:     capability.SourceDigest(b.Source),
		CreatedOn:  unixSeconds(b.CreatedAt),
		LastUpdate: unixSeconds(b.UpdatedAt),
		LastSaid:   b.LastSaid,
	}, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func (svc *Service) man(_ context.Context, req Request) (any, error) {
	if req.Func == "" {
		return svc.manual.Render(), nil
	}
	return svc.manual.RenderFunc(req.Func)
}

func (svc *Service) removeBot(ctx context.Context, req Request) (any, error) {
	if err := required("name", req.Name); err != nil {
		return nil, err
	}
	var cause error
	if req.Reason != "" {
		cause = errors.New(req.Reason)
	}
	return svc.dispatcher.Kill(ctx, req.Name, cause)
}

func (svc *Service) runJob(ctx context.Context, req Request) (any, error) {
	if err := errors.Join(required("name", req.Name), required("job", req.Job)); err != nil {
		return nil, err
	}
	return svc.dispatcher.RunJob(ctx, req.Name, req.Job)
}
