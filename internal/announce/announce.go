// Package announce posts auction commentary to a Discord channel.
package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/broadcast"
	"github.com/jensholdgaard/cricket-auction/internal/config"
)

const (
	queueSize = 128
	// Discord rejects messages longer than this.
	maxMessageLen = 2000
)

type messageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Joiner subscribes the announcer to a tournament.
type Joiner interface {
	Join(ctx context.Context, sub broadcast.Subscriber, tournamentID string) error
	Disconnect(sub broadcast.Subscriber)
}

// Announcer is a broadcast.Subscriber that relays log lines and
// notifications to a Discord channel. Posting runs on its own goroutine
// so the hub never waits on Discord.
type Announcer struct {
	session     *discordgo.Session
	sender      messageSender
	channelID   string
	tournaments []string

	queue chan broadcast.Message
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	// logs is owned by the posting goroutine.
	logs map[string][]string

	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an Announcer backed by a Discord bot session.
func New(cfg config.DiscordConfig, logger *slog.Logger, tp trace.TracerProvider) (*Announcer, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	a := newAnnouncer(session, cfg.ChannelID, cfg.Tournaments, logger, tp)
	a.session = session
	return a, nil
}

func newAnnouncer(sender messageSender, channelID string, tournaments []string, logger *slog.Logger, tp trace.TracerProvider) *Announcer {
	return &Announcer{
		sender:      sender,
		channelID:   channelID,
		tournaments: tournaments,
		queue:       make(chan broadcast.Message, queueSize),
		done:        make(chan struct{}),
		logs:        make(map[string][]string),
		logger:      logger,
		tracer:      tp.Tracer("github.com/jensholdgaard/cricket-auction/internal/announce"),
	}
}

// ID identifies the announcer in the hub.
func (a *Announcer) ID() string { return "announcer:" + a.channelID }

// Send queues msg. A full queue drops the message but keeps the
// subscription: the next state update carries the missed log lines.
func (a *Announcer) Send(msg broadcast.Message) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.queue <- msg:
	default:
		a.logger.Warn("announcer queue full, dropping message", slog.String("event", msg.Event))
	}
	return true
}

// Start opens the Discord session and joins the configured tournaments.
func (a *Announcer) Start(ctx context.Context, j Joiner) error {
	if a.session != nil {
		a.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
			a.logger.InfoContext(ctx, "announcer is ready", slog.String("user", s.State.User.Username))
		})
		if err := a.session.Open(); err != nil {
			return fmt.Errorf("opening discord session: %w", err)
		}
	}

	a.wg.Add(1)
	go a.run(ctx)

	for _, tid := range a.tournaments {
		if err := j.Join(ctx, a, tid); err != nil {
			a.logger.ErrorContext(ctx, "announcer failed to join tournament",
				slog.String("tournament_id", tid),
				slog.Any("error", err),
			)
		}
	}
	a.logger.InfoContext(ctx, "announcer started",
		slog.String("channel_id", a.channelID),
		slog.Int("tournaments", len(a.tournaments)),
	)
	return nil
}

// Stop leaves every tournament, drains the queue and closes the session.
func (a *Announcer) Stop(j Joiner) error {
	j.Disconnect(a)
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

func (a *Announcer) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case msg := <-a.queue:
			a.handle(ctx, msg)
		case <-a.done:
			for {
				select {
				case msg := <-a.queue:
					a.handle(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (a *Announcer) handle(ctx context.Context, msg broadcast.Message) {
	switch msg.Event {
	case broadcast.EventStateUpdate:
		var st auction.AuctionState
		if err := decode(msg.Data, &st); err != nil {
			a.logger.WarnContext(ctx, "announcer cannot decode state", slog.Any("error", err))
			return
		}
		a.post(ctx, st.TournamentID, a.newLines(st))
	case broadcast.EventNotification:
		var n broadcast.Notification
		if err := decode(msg.Data, &n); err != nil {
			a.logger.WarnContext(ctx, "announcer cannot decode notification", slog.Any("error", err))
			return
		}
		a.post(ctx, "", []string{"**" + n.Message + "**"})
	}
}

// newLines returns the lines of st.Log not yet posted. The first snapshot
// of a tournament only sets the baseline. A log that no longer continues
// the previous one (a pool was started) is posted whole.
func (a *Announcer) newLines(st auction.AuctionState) []string {
	prev, seen := a.logs[st.TournamentID]
	a.logs[st.TournamentID] = st.Log
	if !seen {
		return nil
	}
	if len(prev) == 0 || len(st.Log) < len(prev) {
		return st.Log
	}
	last := prev[len(prev)-1]
	for i := len(st.Log) - 1; i >= 0; i-- {
		if st.Log[i] == last {
			return st.Log[i+1:]
		}
	}
	return st.Log
}

func (a *Announcer) post(ctx context.Context, tournamentID string, lines []string) {
	if len(lines) == 0 {
		return
	}
	_, span := a.tracer.Start(ctx, "Announcer.post",
		trace.WithAttributes(
			attribute.String("tournament_id", tournamentID),
			attribute.Int("lines", len(lines)),
		),
	)
	defer span.End()

	for _, chunk := range chunks(lines, maxMessageLen) {
		if _, err := a.sender.ChannelMessageSend(a.channelID, chunk); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.logger.ErrorContext(ctx, "failed to post announcement",
				slog.String("channel_id", a.channelID),
				slog.Any("error", err),
			)
			return
		}
	}
}

// chunks joins lines into messages of at most limit bytes. A single line
// longer than limit is cut.
func chunks(lines []string, limit int) []string {
	var out []string
	var b strings.Builder
	for _, l := range lines {
		if len(l) > limit {
			l = l[:limit]
		}
		if b.Len() > 0 && b.Len()+1+len(l) > limit {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// decode accepts the payload as delivered in-process or as raw JSON from
// the relay.
func decode(data any, v any) error {
	switch d := data.(type) {
	case auction.AuctionState:
		if p, ok := v.(*auction.AuctionState); ok {
			*p = d
			return nil
		}
	case broadcast.Notification:
		if p, ok := v.(*broadcast.Notification); ok {
			*p = d
			return nil
		}
	case json.RawMessage:
		return json.Unmarshal(d, v)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
