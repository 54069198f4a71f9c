package store

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/hydrogen-ci/hydrogen/common/logger"
)

// Pub/sub channels shared between the queue runner, the evaluator tooling and
// the web frontend.
const (
	ChannelBuildsAdded             = "builds_added"
	ChannelBuildsRestarted         = "builds_restarted"
	ChannelBuildsCancelled         = "builds_cancelled"
	ChannelBuildsDeleted           = "builds_deleted"
	ChannelBuildsBumped            = "builds_bumped"
	ChannelJobsetSharesChanged     = "jobset_shares_changed"
	ChannelJobsetsAdded            = "jobsets_added"
	ChannelJobsetsDeleted          = "jobsets_deleted"
	ChannelJobsetSchedulingChanged = "jobset_scheduling_changed"
	ChannelBuildStarted            = "build_started"
	ChannelBuildFinished           = "build_finished"
	ChannelStepStarted             = "step_started"
	ChannelStepFinished            = "step_finished"
	ChannelDumpStatus              = "dump_status"
	ChannelStatusDumped            = "status_dumped"
)

// Notification is one pub/sub event.
type Notification struct {
	Channel string
	Payload string
}

// Listener receives notifications for a set of channels.
type Listener interface {
	// Notifications delivers events. The channel is closed when the listener
	// is closed or its connection is lost permanently.
	Notifications() <-chan Notification
	Close() error
}

// Notify emits a notification within tx. On postgres this is a native NOTIFY
// that fires when the transaction commits; on sqlite the event is queued on
// the transaction and delivered in process after commit.
func (d *DB) Notify(tx *Tx, channel, payload string) error {
	if d.Driver == Postgres {
		// NOTIFY does not accept bind parameters.
		_, err := tx.tx.Exec(fmt.Sprintf("notify %s, '%s'", channel, strings.ReplaceAll(payload, "'", "''")))
		return err
	}
	tx.pending = append(tx.pending, Notification{Channel: channel, Payload: payload})
	return nil
}

// NewListener subscribes to the given channels. Postgres databases get a
// dedicated LISTEN connection; sqlite databases get an in-process
// subscription fed by Notify.
func (d *DB) NewListener(logFactory logger.LogFactory, channels ...string) (Listener, error) {
	if d.Driver == Postgres {
		return newPgListener(string(d.ConnectionString), logFactory, channels)
	}
	return d.localNotifier.Subscribe(channels), nil
}

type pgListener struct {
	listener *pq.Listener
	out      chan Notification
	log      logger.Log
}

func newPgListener(connectionString string, logFactory logger.LogFactory, channels []string) (*pgListener, error) {
	log := logFactory("DBListener")
	inner := pq.NewListener(connectionString, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Errorf("listener event %v: %s", ev, err)
		}
	})
	for _, ch := range channels {
		if err := inner.Listen(ch); err != nil {
			inner.Close()
			return nil, fmt.Errorf("error listening on channel %q: %w", ch, err)
		}
	}
	l := &pgListener{
		listener: inner,
		out:      make(chan Notification, 64),
		log:      log,
	}
	go l.pump()
	return l, nil
}

func (l *pgListener) pump() {
	defer close(l.out)
	for n := range l.listener.Notify {
		if n == nil {
			// Connection re-established; the caller should re-scan for
			// anything it may have missed.
			l.out <- Notification{}
			continue
		}
		l.out <- Notification{Channel: n.Channel, Payload: n.Extra}
	}
}

func (l *pgListener) Notifications() <-chan Notification {
	return l.out
}

func (l *pgListener) Close() error {
	return l.listener.Close()
}

// LocalNotifier is an in-process pub/sub hub standing in for LISTEN/NOTIFY.
type LocalNotifier struct {
	mu   sync.Mutex
	subs []*localListener
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{}
}

func (n *LocalNotifier) Subscribe(channels []string) *localListener {
	l := &localListener{
		notifier: n,
		channels: make(map[string]bool, len(channels)),
		out:      make(chan Notification, 64),
	}
	for _, ch := range channels {
		l.channels[ch] = true
	}
	n.mu.Lock()
	n.subs = append(n.subs, l)
	n.mu.Unlock()
	return l
}

func (n *LocalNotifier) Publish(event Notification) {
	n.mu.Lock()
	subs := append([]*localListener(nil), n.subs...)
	n.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

type localListener struct {
	notifier *LocalNotifier
	channels map[string]bool
	mu       sync.Mutex
	closed   bool
	out      chan Notification
}

func (l *localListener) deliver(event Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.channels[event.Channel] {
		return
	}
	select {
	case l.out <- event:
	default:
		// Drop rather than block a committing transaction; listeners
		// re-scan on wakeup anyway.
	}
}

func (l *localListener) Notifications() <-chan Notification {
	return l.out
}

func (l *localListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.out)
		l.notifier.mu.Lock()
		for i, sub := range l.notifier.subs {
			if sub == l {
				l.notifier.subs = append(l.notifier.subs[:i], l.notifier.subs[i+1:]...)
				break
			}
		}
		l.notifier.mu.Unlock()
	}
	return nil
}

// BuildFinishedPayload renders the payload of a build_finished notification:
// the finished build ID followed by any dependent build IDs, tab separated.
func BuildFinishedPayload(buildID int64, dependentIDs []int64) string {
	parts := []string{strconv.FormatInt(buildID, 10)}
	for _, id := range dependentIDs {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, "\t")
}

// StepPayload renders the payload of step_started/step_finished
// notifications.
func StepPayload(buildID int64, stepNr int, logFile string) string {
	parts := []string{strconv.FormatInt(buildID, 10), strconv.Itoa(stepNr)}
	if logFile != "" {
		parts = append(parts, logFile)
	}
	return strings.Join(parts, "\t")
}
