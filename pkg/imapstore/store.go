// Package imapstore implements the mailbox session over IMAP with the
// go-imap/v2 client.
package imapstore

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/Yosuke1980/mailwatch/pkg/reliability"
	"github.com/Yosuke1980/mailwatch/pkg/watch"
)

const logoutTimeout = 5 * time.Second

// Config identifies the server and account to watch.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
}

// Store is a watch.MailStore backed by one IMAP connection. Not safe for
// concurrent use; the monitor serializes all calls.
type Store struct {
	cfg Config
	log zerolog.Logger

	client *imapclient.Client
	idle   *imapclient.IdleCommand

	// notifs receives untagged mailbox updates pushed by the server while
	// idling. Recreated on every login so stale updates from a dead
	// connection never leak into the next session.
	notifs chan watch.Notification
}

var _ watch.MailStore = (*Store)(nil)

func New(cfg Config, log zerolog.Logger) *Store {
	return &Store{
		cfg: cfg,
		log: log.With().Str("component", "imap").Str("host", cfg.Host).Logger(),
	}
}

// Login dials the server and authenticates. Any previous connection is
// abandoned.
func (s *Store) Login() error {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
		s.idle = nil
	}
	s.notifs = make(chan watch.Notification, 32)
	notifs := s.notifs

	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(d *imapclient.UnilateralDataMailbox) {
				if d.NumMessages == nil {
					return
				}
				// Drop rather than block: the connection reader must
				// never stall on a full queue.
				select {
				case notifs <- watch.Notification{Kind: watch.NotificationExists, Count: *d.NumMessages}:
				default:
				}
			},
		},
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var (
		c   *imapclient.Client
		err error
	)
	if s.cfg.TLS {
		c, err = imapclient.DialTLS(addr, opts)
	} else {
		c, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := c.Login(s.cfg.User, s.cfg.Password).Wait(); err != nil {
		_ = c.Close()
		return fmt.Errorf("login %s: %w", s.cfg.User, err)
	}

	s.client = c
	s.log.Debug().Str("addr", addr).Msg("IMAP session authenticated")
	return nil
}

func (s *Store) SelectFolder(folder string) (watch.SelectInfo, error) {
	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return watch.SelectInfo{}, fmt.Errorf("select %q: %w", folder, err)
	}
	return watch.SelectInfo{ExistsCount: data.NumMessages}, nil
}

func (s *Store) BeginIdle() error {
	idle, err := s.client.Idle()
	if err != nil {
		return fmt.Errorf("enter idle: %w", err)
	}
	s.idle = idle
	return nil
}

// PollIdle returns whatever updates the server has pushed, waiting up to
// timeout for the first one.
func (s *Store) PollIdle(timeout time.Duration) ([]watch.Notification, error) {
	var out []watch.Notification

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case n := <-s.notifs:
		out = append(out, n)
	case <-timer.C:
		return nil, nil
	}

	// Drain anything else already queued so one poll sees the whole burst.
	for {
		select {
		case n := <-s.notifs:
			out = append(out, n)
		default:
			return out, nil
		}
	}
}

func (s *Store) EndIdle() error {
	idle := s.idle
	if idle == nil {
		return nil
	}
	s.idle = nil
	if err := idle.Close(); err != nil {
		return fmt.Errorf("leave idle: %w", err)
	}
	if err := idle.Wait(); err != nil {
		return fmt.Errorf("leave idle: %w", err)
	}
	return nil
}

func (s *Store) SearchAll() ([]watch.UID, error) {
	return s.search(&imap.SearchCriteria{})
}

func (s *Store) SearchUnread() ([]watch.UID, error) {
	return s.search(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}})
}

func (s *Store) search(criteria *imap.SearchCriteria) ([]watch.UID, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	raw := data.AllUIDs()
	uids := make([]watch.UID, len(raw))
	for i, u := range raw {
		uids[i] = watch.UID(u)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// MapSequenceRange fetches UIDs for sequence numbers lo..hi. Sequence numbers
// are only valid until the next expunge, so callers use the result
// immediately.
func (s *Store) MapSequenceRange(lo, hi uint32) (map[uint32]watch.UID, error) {
	var seqSet imap.SeqSet
	seqSet.AddRange(lo, hi)

	msgs, err := s.client.Fetch(seqSet, &imap.FetchOptions{UID: true}).Collect()
	if err != nil {
		return nil, fmt.Errorf("map sequence %d:%d: %w", lo, hi, err)
	}
	out := make(map[uint32]watch.UID, len(msgs))
	for _, msg := range msgs {
		out[msg.SeqNum] = watch.UID(msg.UID)
	}
	return out, nil
}

// FetchMessage retrieves the full raw message by UID with a peek fetch, so
// fetching alone never flips the seen flag.
func (s *Store) FetchMessage(uid watch.UID) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}
	msgs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("fetch uid %d: no message returned", uid)
	}
	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, fmt.Errorf("fetch uid %d: missing body section", uid)
	}
	return body, nil
}

func (s *Store) MarkRead(uid watch.UID) error {
	flags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := s.client.Store(imap.UIDSetNum(imap.UID(uid)), flags, nil).Close(); err != nil {
		return fmt.Errorf("mark read uid %d: %w", uid, err)
	}
	return nil
}

// Logout ends the session politely, with a bound on how long a dead peer can
// hold us up.
func (s *Store) Logout() error {
	c := s.client
	if c == nil {
		return nil
	}
	s.client = nil
	s.idle = nil

	err := reliability.WithTimeout(logoutTimeout, func(ctx context.Context) error {
		return c.Logout().Wait()
	})
	_ = c.Close()
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
