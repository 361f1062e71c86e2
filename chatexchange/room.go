package chatexchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/internal"
	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/internal/clock"
	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/rest"
	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/scrape"
)

// Names of the room's recurring tasks, as they appear in logs.
const (
	taskFKeyRefresh     = "fkey-refresh"
	taskPingableRefresh = "pingable-refresh"
	taskSocketWatchdog  = "socket-watchdog"
)

// historyTimeLayout is the format of timestamps on a history page.
const historyTimeLayout = "3:04 PM"

// RoomOption replaces one of the collaborators a room uses. The defaults
// talk to the chat site.
type RoomOption func(*roomOptions)

type roomOptions struct {
	tokens   TokenSource
	roster   RosterSource
	pingable PingableSource
	users    UserLookup
	messages MessageLookup
	clock    clock.Clock
	onClose  func(*Room)
}

func WithTokenSource(s TokenSource) RoomOption { return func(o *roomOptions) { o.tokens = s } }

func WithRosterSource(s RosterSource) RoomOption { return func(o *roomOptions) { o.roster = s } }

func WithPingableSource(s PingableSource) RoomOption { return func(o *roomOptions) { o.pingable = s } }

// WithUserLookup replaces user resolution for events and Room.User. The
// room still sets InRoom and ProfileURL on every result.
func WithUserLookup(l UserLookup) RoomOption { return func(o *roomOptions) { o.users = l } }

func WithMessageLookup(l MessageLookup) RoomOption { return func(o *roomOptions) { o.messages = l } }

func withClock(c clock.Clock) RoomOption { return func(o *roomOptions) { o.clock = c } }

func withOnClose(fn func(*Room)) RoomOption { return func(o *roomOptions) { o.onClose = fn } }

// Room is a joined chat room. It keeps the event socket alive, refreshes
// the fkey and pingable list on a schedule, and exposes the room's
// outbound operations. All methods are safe for concurrent use.
type Room struct {
	id     int64
	host   Host
	cfg    Config
	logger Logger
	fields map[string]any

	rest     *rest.Client
	clock    clock.Clock
	pipe     *pipeline
	decoder  *Decoder
	sched    *scheduler
	outbound *semaphore.Weighted

	dispatcher Dispatcher

	tokens   TokenSource
	roster   RosterSource
	pingable PingableSource
	users    UserLookup
	messages MessageLookup

	// ctx lives until Close and bounds lookups made while decoding.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	state       RoomState
	leaving     bool
	fkey        string
	present     map[int64]struct{}
	pingableIDs []int64
	conn        *internal.Conn
	lastFrame   time.Time

	closeOnce sync.Once
	onClose   func(*Room)
}

// joinRoom fetches the room's token and roster, opens the event socket
// and starts the scheduled tasks. The returned room is active.
func joinRoom(ctx context.Context, host Host, roomID int64, cfg Config, rc *rest.Client, logger Logger, opts ...RoomOption) (*Room, error) {
	o := roomOptions{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = noopLogger{}
	}

	r := &Room{
		id:       roomID,
		host:     host,
		cfg:      cfg,
		logger:   logger,
		fields:   map[string]any{"room_id": roomID, "host": host.Name()},
		rest:     rc,
		clock:    o.clock,
		outbound: semaphore.NewWeighted(int64(cfg.OutboundWorkers)),
		present:  make(map[int64]struct{}),
		state:    StateJoining,
		onClose:  o.onClose,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.pipe = &pipeline{
		rest:     rc,
		fkey:     r.currentFKey,
		clock:    r.clock,
		attempts: cfg.ThrottleAttempts,
		logger:   logger,
		fields:   r.fields,
	}

	site := siteSource{rest: rc}
	lookup := &siteLookup{roomID: roomID, rest: rc, pipe: r.pipe, fkey: r.currentFKey}
	r.tokens = pick[TokenSource](o.tokens, site)
	r.roster = pick[RosterSource](o.roster, site)
	r.pingable = pick[PingableSource](o.pingable, site)
	r.users = pick[UserLookup](o.users, lookup)
	r.messages = pick[MessageLookup](o.messages, lookup)
	r.decoder = NewDecoder(roomID, roomLookup{r}, roomLookup{r}, logger)

	r.sched = newScheduler(r.clock, logger, r.fields)
	r.sched.every(taskFKeyRefresh, cfg.TokenRefreshInterval, r.refreshFKey)
	r.sched.every(taskPingableRefresh, cfg.PingableRefreshInterval, r.refreshPingable)
	r.sched.every(taskSocketWatchdog, cfg.WatchdogInterval, r.checkSocket)

	if err := r.join(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func pick[T any](override, fallback T) T {
	if any(override) != nil {
		return override
	}
	return fallback
}

func (r *Room) join(ctx context.Context) error {
	if err := r.refreshFKey(ctx); err != nil {
		return err
	}
	ids, err := r.roster.RoomUserIDs(ctx, r.id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, id := range ids {
		r.present[id] = struct{}{}
	}
	r.mu.Unlock()
	if err := r.refreshPingable(ctx); err != nil {
		return err
	}
	if err := r.openSocket(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = StateActive
	r.mu.Unlock()
	r.sched.start()
	r.logger.Info("joined room", r.logFields(nil))
	return nil
}

// ID returns the numeric room id.
func (r *Room) ID() int64 { return r.id }

func (r *Room) Host() Host { return r.host }

func (r *Room) State() RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// CurrentUserIDs returns the ids of users present in the room, sorted.
func (r *Room) CurrentUserIDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.present))
	for id := range r.present {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// OnMessagePosted registers the handler for new messages. Passing nil
// unregisters it; the same holds for every On method.
func (r *Room) OnMessagePosted(fn func(*MessagePostedEvent)) {
	handle(&r.dispatcher, KindMessagePosted, fn)
}

func (r *Room) OnMessageEdited(fn func(*MessageEditedEvent)) {
	handle(&r.dispatcher, KindMessageEdited, fn)
}

func (r *Room) OnMessageDeleted(fn func(*MessageDeletedEvent)) {
	handle(&r.dispatcher, KindMessageDeleted, fn)
}

func (r *Room) OnMessageStarred(fn func(*MessageStarredEvent)) {
	handle(&r.dispatcher, KindMessageStarred, fn)
}

func (r *Room) OnUserEntered(fn func(*UserEnteredEvent)) {
	handle(&r.dispatcher, KindUserEntered, fn)
}

func (r *Room) OnUserLeft(fn func(*UserLeftEvent)) {
	handle(&r.dispatcher, KindUserLeft, fn)
}

func (r *Room) OnUserNotification(fn func(*UserNotificationEvent)) {
	handle(&r.dispatcher, KindUserNotification, fn)
}

func (r *Room) OnUserMentioned(fn func(*UserMentionedEvent)) {
	handle(&r.dispatcher, KindUserMentioned, fn)
}

func (r *Room) OnMessageReply(fn func(*MessageReplyEvent)) {
	handle(&r.dispatcher, KindMessageReply, fn)
}

func (r *Room) OnAccessLevelChanged(fn func(*AccessLevelChangedEvent)) {
	handle(&r.dispatcher, KindAccessLevelChanged, fn)
}

func (r *Room) OnKicked(fn func(*KickedEvent)) {
	handle(&r.dispatcher, KindKicked, fn)
}

// OnError registers a callback for frames that fail to decode and for
// socket read failures. Both are otherwise only logged.
func (r *Room) OnError(fn func(error)) { r.dispatcher.SetOnError(fn) }

func (r *Room) currentFKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fkey
}

func (r *Room) refreshFKey(ctx context.Context) error {
	fkey, err := r.tokens.FKey(ctx, r.id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.fkey = fkey
	r.mu.Unlock()
	return nil
}

func (r *Room) refreshPingable(ctx context.Context) error {
	ids, err := r.pingable.PingableUserIDs(ctx, r.id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.pingableIDs = ids
	r.mu.Unlock()
	return nil
}

// openSocket negotiates a socket URL and replay cursor and starts reading.
func (r *Room) openSocket(ctx context.Context) error {
	roomID := strconv.FormatInt(r.id, 10)
	body, err := r.pipe.post(ctx, "/ws-auth", "roomid", roomID)
	if err != nil {
		return err
	}
	wsURL := gjson.GetBytes(body, "url").String()
	if wsURL == "" {
		return NewError(ErrorProtocol, "ws-auth response without url")
	}
	body, err = r.pipe.post(ctx, "/chats/"+roomID+"/events")
	if err != nil {
		return err
	}
	cursor := gjson.GetBytes(body, "time").String()

	sep := "?"
	if strings.Contains(wsURL, "?") {
		sep = "&"
	}
	dialCtx := ctx
	if r.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
		defer cancel()
	}
	conn, err := internal.Dial(dialCtx, wsURL+sep+"l="+cursor, r.rest.BaseURL())
	if err != nil {
		return WrapError(ErrorTransport, "dial event socket", err)
	}

	r.mu.Lock()
	if r.state == StateLeft {
		r.mu.Unlock()
		_ = conn.Close()
		return NewError(ErrorClosed, "room closed while opening socket")
	}
	r.conn = conn
	r.lastFrame = r.clock.Now()
	r.mu.Unlock()

	conn.Run(r.handleFrame, func(err error) {
		r.logger.Warn("socket read failed", r.logFields(map[string]any{"conn_id": conn.ID, "error": err.Error()}))
		r.dispatcher.fireError(WrapError(ErrorTransport, "read event socket", err))
	})
	r.logger.Debug("socket open", r.logFields(map[string]any{"conn_id": conn.ID}))
	return nil
}

func (r *Room) closeSocket() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		r.logger.Debug("socket close", r.logFields(map[string]any{"conn_id": conn.ID, "error": err.Error()}))
	}
}

// checkSocket reopens the socket when nothing arrived for a whole
// watchdog interval. The server sends heartbeats, so silence means the
// connection is dead.
func (r *Room) checkSocket(ctx context.Context) error {
	r.mu.RLock()
	idle := r.clock.Now().Sub(r.lastFrame)
	r.mu.RUnlock()
	if idle <= r.cfg.WatchdogInterval {
		return nil
	}

	r.logger.Info("socket stale, reopening", r.logFields(map[string]any{"idle": idle.String()}))
	r.closeSocket()
	select {
	case <-r.clock.After(r.cfg.SocketRestartPause):
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.openSocket(ctx)
}

func (r *Room) handleFrame(frame []byte) {
	r.mu.Lock()
	r.lastFrame = r.clock.Now()
	r.mu.Unlock()

	events, err := r.decoder.Decode(r.ctx, frame)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.logger.Warn("decode frame", r.logFields(map[string]any{"error": err.Error()}))
		r.dispatcher.fireError(err)
		return
	}
	for _, ev := range events {
		switch ev.Kind() {
		case KindUserEntered:
			if id := ev.Header().UserID; id > 0 {
				r.mu.Lock()
				r.present[id] = struct{}{}
				r.mu.Unlock()
			}
		case KindUserLeft, KindKicked:
			r.mu.Lock()
			delete(r.present, ev.Header().UserID)
			r.mu.Unlock()
		}
		r.dispatcher.Dispatch(ev)
	}
}

// User looks up a user and marks whether they are in this room.
func (r *Room) User(ctx context.Context, id int64) (*User, error) {
	u, err := r.users.User(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.overlay(u), nil
}

// PingableUsers resolves the users that can currently be pinged here.
func (r *Room) PingableUsers(ctx context.Context) ([]*User, error) {
	r.mu.RLock()
	ids := append([]int64(nil), r.pingableIDs...)
	r.mu.RUnlock()

	var users []*User
	if batch, ok := r.users.(interface {
		Users(context.Context, []int64) ([]*User, error)
	}); ok {
		var err error
		if users, err = batch.Users(ctx, ids); err != nil {
			return nil, err
		}
	} else {
		for _, id := range ids {
			u, err := r.users.User(ctx, id)
			if err != nil {
				return nil, err
			}
			users = append(users, u)
		}
	}
	for i, u := range users {
		users[i] = r.overlay(u)
	}
	return users, nil
}

// Message resolves a message by id.
func (r *Room) Message(ctx context.Context, id int64) (*Message, error) {
	m, err := r.messages.Message(ctx, id)
	if err != nil || m == nil || m.User == nil {
		return m, err
	}
	cp := *m
	cp.User = r.overlay(m.User)
	return &cp, nil
}

func (r *Room) overlay(u *User) *User {
	if u == nil {
		return nil
	}
	cp := *u
	r.mu.RLock()
	_, cp.InRoom = r.present[u.ID]
	r.mu.RUnlock()
	cp.ProfileURL = fmt.Sprintf("%s/users/%d", r.rest.BaseURL(), u.ID)
	return &cp
}

// roomLookup feeds the decoder with the room's overlaid lookups.
type roomLookup struct{ r *Room }

func (l roomLookup) User(ctx context.Context, id int64) (*User, error) { return l.r.User(ctx, id) }

func (l roomLookup) Message(ctx context.Context, id int64) (*Message, error) {
	return l.r.Message(ctx, id)
}

// do runs fn in an outbound slot. Slots keep slow or throttled calls from
// piling up without bound.
func (r *Room) do(ctx context.Context, fn func() error) error {
	if r.State() == StateLeft {
		return NewError(ErrorClosed, fmt.Sprintf("room %d was left", r.id))
	}
	if err := r.outbound.Acquire(ctx, 1); err != nil {
		return WrapError(ErrorTransport, "wait for outbound slot", err)
	}
	defer r.outbound.Release(1)
	return fn()
}

// Send posts text, split into as many messages as the length limit
// requires, and returns the id of the last one. Parts are posted in order.
func (r *Room) Send(ctx context.Context, text string) (int64, error) {
	parts, err := SplitMessage(text, r.cfg.MaxMessageLength)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.do(ctx, func() error {
		for _, part := range parts {
			body, err := r.pipe.post(ctx, fmt.Sprintf("/chats/%d/messages/new", r.id), "text", part)
			if err != nil {
				return err
			}
			v := gjson.GetBytes(body, "id")
			if !v.Exists() {
				return NewError(ErrorProtocol, "send response without id: "+bodyText(body))
			}
			id = v.Int()
		}
		return nil
	})
	return id, err
}

// ReplyTo sends text as a reply to messageID.
func (r *Room) ReplyTo(ctx context.Context, messageID int64, text string) (int64, error) {
	return r.Send(ctx, fmt.Sprintf(":%d %s", messageID, text))
}

// Edit replaces the text of one of our messages.
func (r *Room) Edit(ctx context.Context, messageID int64, text string) error {
	return r.do(ctx, func() error {
		return r.pipe.postOK(ctx, fmt.Sprintf("edit message %d", messageID),
			fmt.Sprintf("/messages/%d", messageID), "text", text)
	})
}

// IsEditable reports whether messageID was last touched within the edit
// window. History timestamps have minute resolution and carry a day
// prefix once the message is not from today.
func (r *Room) IsEditable(ctx context.Context, messageID int64) (bool, error) {
	resp, err := r.rest.Get(ctx, fmt.Sprintf("/messages/%d/history", messageID),
		rest.Field{Name: "fkey", Value: r.currentFKey()})
	if err != nil {
		return false, WrapError(ErrorTransport, fmt.Sprintf("fetch history of message %d", messageID), err)
	}
	h, err := scrape.ParseHistory(resp.Body)
	if err != nil {
		return false, WrapError(ErrorProtocol, fmt.Sprintf("read history of message %d", messageID), err)
	}
	if len(strings.Fields(h.LastTimestamp)) != 2 {
		return false, nil
	}
	stamp, err := time.Parse(historyTimeLayout, h.LastTimestamp)
	if err != nil {
		return false, WrapError(ErrorProtocol, fmt.Sprintf("parse timestamp %q", h.LastTimestamp), err)
	}
	now := r.clock.Now().UTC()
	sinceMidnight := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second
	age := sinceMidnight - (time.Duration(stamp.Hour())*time.Hour + time.Duration(stamp.Minute())*time.Minute)
	if age < 0 {
		age += 24 * time.Hour
	}
	return age < r.cfg.EditWindow, nil
}

// Delete removes one of our messages (or any message, for moderators).
func (r *Room) Delete(ctx context.Context, messageID int64) error {
	return r.do(ctx, func() error {
		return r.pipe.postOK(ctx, fmt.Sprintf("delete message %d", messageID),
			fmt.Sprintf("/messages/%d/delete", messageID))
	})
}

func (r *Room) ToggleStar(ctx context.Context, messageID int64) error {
	return r.do(ctx, func() error {
		return r.pipe.postOK(ctx, fmt.Sprintf("star message %d", messageID),
			fmt.Sprintf("/messages/%d/star", messageID))
	})
}

// TogglePin pins or unpins a message. Only room owners may pin.
func (r *Room) TogglePin(ctx context.Context, messageID int64) error {
	return r.do(ctx, func() error {
		return r.pipe.postOK(ctx, fmt.Sprintf("pin message %d", messageID),
			fmt.Sprintf("/messages/%d/owner-star", messageID))
	})
}

// SetUserAccess changes a user's access to the room. Only room owners may
// do this.
func (r *Room) SetUserAccess(ctx context.Context, userID int64, action AccessAction) error {
	return r.do(ctx, func() error {
		return r.pipe.postOK(ctx, fmt.Sprintf("set access of user %d", userID),
			fmt.Sprintf("/rooms/setuseraccess/%d", r.id),
			"aclUserId", strconv.FormatInt(userID, 10),
			"userAccess", string(action))
	})
}

// UploadImage uploads an image and returns its hosted URL, ready to be
// posted as a message.
func (r *Room) UploadImage(ctx context.Context, name string, image io.Reader) (string, error) {
	var url string
	err := r.do(ctx, func() error {
		resp, err := r.rest.PostFile(ctx, "/upload/image", "filename", name, image)
		if err != nil {
			return WrapError(ErrorTransport, "upload image", err)
		}
		url, err = scrape.UploadResult(resp.Body)
		var rejected *scrape.UploadError
		switch {
		case errors.As(err, &rejected):
			return WrapError(ErrorUpload, rejected.Reason, err)
		case err != nil:
			return WrapError(ErrorUpload, "read upload result", err)
		}
		return nil
	})
	return url, err
}

// UploadImageFile uploads the image at path.
func (r *Room) UploadImageFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", WrapError(ErrorUpload, "open "+path, err)
	}
	defer f.Close()
	return r.UploadImage(ctx, filepath.Base(path), f)
}

// RoomInfo is the summary shown on a room's thumbnail.
type RoomInfo struct {
	ID          int64
	Name        string
	Description string
	IsFavorite  bool
	Tags        []string
}

// Info fetches the room's name, description and tags.
func (r *Room) Info(ctx context.Context) (*RoomInfo, error) {
	resp, err := r.rest.Get(ctx, fmt.Sprintf("/rooms/thumbs/%d", r.id))
	if err != nil {
		return nil, WrapError(ErrorTransport, "fetch room info", err)
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, NewError(ErrorSerialization, "room info: invalid JSON")
	}
	v := gjson.ParseBytes(resp.Body)
	tags, err := scrape.LinkTexts(v.Get("tags").String())
	if err != nil {
		return nil, WrapError(ErrorSerialization, "room info tags", err)
	}
	return &RoomInfo{
		ID:          v.Get("id").Int(),
		Name:        v.Get("name").String(),
		Description: v.Get("description").String(),
		IsFavorite:  v.Get("isFavorite").Bool(),
		Tags:        tags,
	}, nil
}

// Leave tells the server we left, then closes the room. Leaving a room
// that is already left, or being left by another call, does nothing.
func (r *Room) Leave(ctx context.Context, quiet bool) error {
	r.mu.Lock()
	if r.state == StateLeft || r.leaving {
		r.mu.Unlock()
		return nil
	}
	r.leaving = true
	r.mu.Unlock()

	_, err := r.pipe.post(ctx, fmt.Sprintf("/chats/leave/%d", r.id), "quiet", strconv.FormatBool(quiet))
	r.Close()
	return err
}

// Close stops the scheduled tasks and the socket without notifying the
// server. In-flight outbound calls are not waited for. It is idempotent.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.state = StateLeft
		r.mu.Unlock()

		r.cancel()
		r.sched.stop()
		r.closeSocket()
		if r.onClose != nil {
			r.onClose(r)
		}
		r.logger.Info("left room", r.logFields(nil))
	})
}

func (r *Room) logFields(extra map[string]any) map[string]any {
	out := make(map[string]any, len(r.fields)+len(extra))
	for k, v := range r.fields {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
