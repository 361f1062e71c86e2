package chatexchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/rest"
	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/scrape"
)

type roomKey struct {
	host Host
	id   int64
}

// Client logs in to Stack Exchange sites and joins their chat rooms. One
// login is made per host, on the first join.
type Client struct {
	cfg      Config
	email    string
	password string
	logger   Logger

	mu    sync.Mutex
	hosts map[Host]*rest.Client
	rooms map[roomKey]*Room
}

// NewClient constructs a client with provided config and credentials.
// Use DefaultConfig() or LoadConfig() as a starting point.
func NewClient(cfg Config, email, password string) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		email:    email,
		password: password,
		logger:   noopLogger{},
		hosts:    make(map[Host]*rest.Client),
		rooms:    make(map[roomKey]*Room),
	}, nil
}

// SetLogger overrides logger (optional). Rooms joined afterwards use it.
func (c *Client) SetLogger(l Logger) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.logger = l
	c.mu.Unlock()
}

// Login signs in to host, creating an account on the site when the
// credentials belong to a network profile without one. It is called
// implicitly by JoinRoom.
func (c *Client) Login(ctx context.Context, host Host) error {
	_, err := c.login(ctx, host)
	return err
}

func (c *Client) login(ctx context.Context, host Host) (*rest.Client, error) {
	c.mu.Lock()
	if rc, ok := c.hosts[host]; ok {
		c.mu.Unlock()
		return rc, nil
	}
	logger := c.logger
	c.mu.Unlock()

	rc, err := rest.NewClient(c.cfg.chatURL(host))
	if err != nil {
		return nil, WrapError(ErrorInvalidConfig, "create http client", err)
	}
	rc.SetTimeout(c.cfg.HTTPTimeout)
	rc.SetUserAgent(c.cfg.UserAgent)

	if err := c.loginWalk(ctx, rc, host); err != nil {
		return nil, err
	}
	logger.Info("logged in", map[string]any{"host": host.Name()})

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.hosts[host]; ok {
		return prev, nil
	}
	c.hosts[host] = rc
	return rc, nil
}

func (c *Client) loginWalk(ctx context.Context, rc *rest.Client, host Host) error {
	site := c.cfg.loginURL(host)
	failed := func(step string, err error) error {
		return WrapError(ErrorLogin, fmt.Sprintf("login to %s: %s", host.Name(), step), err)
	}

	resp, err := rc.Get(ctx, site+"/users/login")
	if err != nil {
		return failed("fetch login page", err)
	}
	fkey, err := scrape.FKey(resp.Body)
	if err != nil {
		return failed("read login fkey", err)
	}
	resp, err = rc.PostForm(ctx, site+"/users/login",
		rest.Fields("email", c.email, "password", c.password, "fkey", fkey), false)
	if err != nil {
		return failed("submit credentials", err)
	}

	form, ok, err := scrape.FormByID(resp.Body, "logout-user")
	if err != nil {
		return failed("read login response", err)
	}
	if ok {
		action := form.Action
		if !strings.HasPrefix(action, "http://") && !strings.HasPrefix(action, "https://") {
			action = site + action
		}
		resp, err = rc.PostForm(ctx, action, form.Fields, false)
		if err != nil {
			return failed("create account", err)
		}
		if ok, _ := scrape.HasClass(resp.Body, "js-inbox-button"); !ok {
			return NewError(ErrorLogin, fmt.Sprintf("unable to create an account on %s, create it manually", host.Name()))
		}
	}

	resp, err = rc.Get(ctx, c.cfg.siteURL(host)+"/users/current")
	if err != nil {
		return failed("verify session", err)
	}
	if ok, _ := scrape.HasClass(resp.Body, "js-inbox-button"); !ok {
		return NewError(ErrorLogin, fmt.Sprintf("login to %s via %s was not accepted", host.Name(), host.LoginHost()))
	}
	return nil
}

// JoinRoom logs in to host if needed and joins the room. Joining a room
// twice is an ErrorAlreadyJoined.
func (c *Client) JoinRoom(ctx context.Context, host Host, roomID int64, opts ...RoomOption) (*Room, error) {
	key := roomKey{host: host, id: roomID}
	alreadyJoined := NewError(ErrorAlreadyJoined, fmt.Sprintf("already in room %d on %s", roomID, host.Name()))

	c.mu.Lock()
	_, joined := c.rooms[key]
	logger := c.logger
	c.mu.Unlock()
	if joined {
		return nil, alreadyJoined
	}

	rc, err := c.login(ctx, host)
	if err != nil {
		return nil, err
	}

	opts = append(opts, withOnClose(func(r *Room) {
		c.mu.Lock()
		if c.rooms[key] == r {
			delete(c.rooms, key)
		}
		c.mu.Unlock()
	}))
	room, err := joinRoom(ctx, host, roomID, c.cfg, rc, logger, opts...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.rooms[key]; ok {
		c.mu.Unlock()
		room.Close()
		return nil, alreadyJoined
	}
	if room.State() != StateLeft {
		c.rooms[key] = room
	}
	c.mu.Unlock()
	return room, nil
}

// Rooms returns the joined rooms ordered by host and id.
func (c *Client) Rooms() []*Room {
	c.mu.Lock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].host != rooms[j].host {
			return rooms[i].host < rooms[j].host
		}
		return rooms[i].id < rooms[j].id
	})
	return rooms
}

// Close leaves every joined room quietly.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	for _, r := range c.Rooms() {
		if err := r.Leave(ctx, true); err != nil {
			errs = append(errs, fmt.Errorf("leave room %d: %w", r.id, err))
		}
	}
	return errors.Join(errs...)
}
