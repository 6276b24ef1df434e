package plana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
)

var (
	ErrQueueFull         = errors.New("queue is full")
	ErrQueueEmpty        = errors.New("queue is empty")
	ErrInvalidQueueIndex = errors.New("invalid queue index")
	ErrNotPlaying        = errors.New("nothing is playing")
	ErrAlreadyPaused     = errors.New("already paused")
	ErrNotPaused         = errors.New("not paused")
	ErrNotInVoice        = errors.New("not connected to a voice channel")
)

// Track is a single queued song
type Track struct {
	// Title of the track, as resolved from its source
	Title string `json:"title"`

	// SourceURL is the page the track came from
	SourceURL string `json:"source_url"`

	// StreamURL is the direct media URL. May expire; re-resolved
	// before playback when stale.
	StreamURL string `json:"-"`

	// Duration of the track (0 for live streams)
	Duration time.Duration `json:"duration"`

	// Thumbnail image URL, if any
	Thumbnail string `json:"thumbnail,omitempty"`

	// RequesterID is the Discord user ID that queued the track
	RequesterID string `json:"requester_id"`
}

func (t Track) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("title", t.Title),
		slog.String("source_url", t.SourceURL),
		slog.Duration("duration", t.Duration),
		slog.String("requester_id", t.RequesterID),
	)
}

// LoopMode controls what happens when a track finishes
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopOne
	LoopAll
)

func (m LoopMode) String() string {
	switch m {
	case LoopOne:
		return "one"
	case LoopAll:
		return "all"
	default:
		return "off"
	}
}

// ParseLoopMode parses "off", "one" or "all"
func ParseLoopMode(s string) (LoopMode, error) {
	switch s {
	case "off":
		return LoopOff, nil
	case "one":
		return LoopOne, nil
	case "all":
		return LoopAll, nil
	default:
		return LoopOff, fmt.Errorf("unknown loop mode: %q", s)
	}
}

// TrackQueue is a bounded, mutex-guarded FIFO of tracks. Concurrent
// pushes preserve arrival order; removal by index shifts later entries
// down without reordering.
type TrackQueue struct {
	mu      sync.Mutex
	maxSize int
	tracks  []Track
}

func NewTrackQueue(maxSize int) *TrackQueue {
	if maxSize <= 0 {
		maxSize = DefaultMusicMaxQueueSize
	}
	return &TrackQueue{maxSize: maxSize}
}

// Push appends a track, rejecting it when the queue is at capacity
func (q *TrackQueue) Push(track Track) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tracks) >= q.maxSize {
		return fmt.Errorf("%w (max %d)", ErrQueueFull, q.maxSize)
	}
	q.tracks = append(q.tracks, track)
	return nil
}

// Pop removes and returns the oldest track
func (q *TrackQueue) Pop() (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tracks) == 0 {
		return Track{}, false
	}
	track := q.tracks[0]
	q.tracks = q.tracks[1:]
	return track, true
}

// RemoveAt removes the track at the given zero-based index
func (q *TrackQueue) RemoveAt(index int) (Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tracks) == 0 {
		return Track{}, ErrQueueEmpty
	}
	if index < 0 || index >= len(q.tracks) {
		return Track{}, fmt.Errorf(
			"%w: %d (queue has %d tracks)",
			ErrInvalidQueueIndex,
			index,
			len(q.tracks),
		)
	}
	track := q.tracks[index]
	q.tracks = append(q.tracks[:index], q.tracks[index+1:]...)
	return track, nil
}

// Shuffle randomizes the queue order
func (q *TrackQueue) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	rand.Shuffle(
		len(q.tracks), func(i, j int) {
			q.tracks[i], q.tracks[j] = q.tracks[j], q.tracks[i]
		},
	)
}

// Clear drops all queued tracks
func (q *TrackQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = nil
}

// Tracks returns a snapshot of the queue, oldest first
func (q *TrackQueue) Tracks() []Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]Track, len(q.tracks))
	copy(snapshot, q.tracks)
	return snapshot
}

// Len returns the number of queued tracks
func (q *TrackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks)
}

// AudioSender abstracts the voice transport: joining/leaving voice
// channels and piping a stream URL into one. The production
// implementation wraps a discordgo voice connection; tests use a fake.
type AudioSender interface {
	// Join connects to the given voice channel, moving if already
	// connected elsewhere in the guild
	Join(guildID string, channelID string) error

	// Play streams the given URL until it finishes, Stop is called, or
	// ctx is canceled
	Play(ctx context.Context, streamURL string) error

	// Pause suspends frame delivery for the current Play call. Play
	// blocks (without returning) until Resume or Stop.
	Pause()

	// Resume releases a prior Pause
	Resume()

	// Stop interrupts the current Play call, if any
	Stop()

	// Leave disconnects from voice
	Leave() error

	// Connected reports whether a live voice connection exists
	Connected() bool

	// ChannelID returns the connected voice channel ID, or ""
	ChannelID() string
}

// PlayerEvent is a playback notification surfaced to the guild's last
// active text channel
type PlayerEvent struct {
	GuildID   string
	ChannelID string
	Track     *Track
	Err       error

	// NowPlaying, QueueEnded or PlaybackError
	Kind PlayerEventKind
}

type PlayerEventKind int

const (
	EventNowPlaying PlayerEventKind = iota
	EventQueueEnded
	EventPlaybackError
)

// GuildPlayer holds all music state for one guild: the FIFO track
// queue, loop mode, volume and the voice transport. All fields are
// guarded by mu; the playback loop runs in its own goroutine.
type GuildPlayer struct {
	guildID string
	queue   *TrackQueue
	sender  AudioSender
	logger  *slog.Logger
	events  chan<- PlayerEvent

	mu                sync.Mutex
	current           *Track
	playing           bool
	paused            bool
	loopMode          LoopMode
	volume            int
	lastTextChannelID string
	lastActivity      time.Time

	resolver TrackResolver

	stopPlayback context.CancelFunc
	skipCh       chan struct{}
}

func newGuildPlayer(
	guildID string,
	config *MusicConfig,
	sender AudioSender,
	resolver TrackResolver,
	events chan<- PlayerEvent,
	logger *slog.Logger,
) *GuildPlayer {
	return &GuildPlayer{
		guildID:      guildID,
		queue:        NewTrackQueue(config.MaxQueueSize),
		sender:       sender,
		resolver:     resolver,
		events:       events,
		logger:       logger.With("guild_id", guildID),
		volume:       config.DefaultVolume,
		lastActivity: time.Now(),
		skipCh:       make(chan struct{}, 1),
	}
}

// Queue returns the player's track queue
func (p *GuildPlayer) Queue() *TrackQueue {
	return p.queue
}

// Touch records activity, deferring the inactive reaper
func (p *GuildPlayer) Touch(textChannelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = time.Now()
	if textChannelID != "" {
		p.lastTextChannelID = textChannelID
	}
}

// LastActivity returns the most recent player interaction time
func (p *GuildPlayer) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// NowPlaying returns the current track, if one is playing or paused
func (p *GuildPlayer) NowPlaying() (Track, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Track{}, false
	}
	return *p.current, true
}

// Playing reports whether playback is active (even if paused)
func (p *GuildPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Paused reports whether playback is paused
func (p *GuildPlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// LoopMode returns the current loop mode
func (p *GuildPlayer) LoopMode() LoopMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loopMode
}

// SetLoopMode sets the loop mode
func (p *GuildPlayer) SetLoopMode(mode LoopMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loopMode = mode
	p.lastActivity = time.Now()
}

// Volume returns the current volume (0-200)
func (p *GuildPlayer) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetVolume sets the volume (0-200)
func (p *GuildPlayer) SetVolume(volume int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = volume
	p.lastActivity = time.Now()
}

// Pause pauses playback, holding the current track in place until
// Resume
func (p *GuildPlayer) Pause() error {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return ErrNotPlaying
	}
	if p.paused {
		p.mu.Unlock()
		return ErrAlreadyPaused
	}
	p.paused = true
	p.lastActivity = time.Now()
	p.mu.Unlock()

	p.sender.Pause()
	return nil
}

// Resume resumes paused playback
func (p *GuildPlayer) Resume() error {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return ErrNotPaused
	}
	p.paused = false
	p.lastActivity = time.Now()
	p.mu.Unlock()

	p.sender.Resume()
	return nil
}

// Skip interrupts the current track; the playback loop advances to the
// next queued track (or replays it under LoopOne)
func (p *GuildPlayer) Skip() error {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return ErrNotPlaying
	}
	p.lastActivity = time.Now()
	p.mu.Unlock()

	select {
	case p.skipCh <- struct{}{}:
	default:
	}
	p.sender.Stop()
	return nil
}

// Stop halts playback, clears the queue and resets the loop mode
func (p *GuildPlayer) Stop() {
	p.mu.Lock()
	p.loopMode = LoopOff
	p.paused = false
	p.current = nil
	cancel := p.stopPlayback
	p.lastActivity = time.Now()
	p.mu.Unlock()

	p.queue.Clear()
	if cancel != nil {
		cancel()
	}
	p.sender.Stop()
}

// Connected reports whether the player has a live voice connection
func (p *GuildPlayer) Connected() bool {
	return p.sender.Connected()
}

// VoiceChannelID returns the connected voice channel ID, or ""
func (p *GuildPlayer) VoiceChannelID() string {
	return p.sender.ChannelID()
}

// Disconnect stops playback and leaves the voice channel
func (p *GuildPlayer) Disconnect() error {
	p.Stop()
	if !p.sender.Connected() {
		return ErrNotInVoice
	}
	return p.sender.Leave()
}

// StartPlayback launches the playback loop if it isn't already running
func (p *GuildPlayer) StartPlayback(ctx context.Context) {
	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = true
	playCtx, cancel := context.WithCancel(ctx)
	p.stopPlayback = cancel
	p.mu.Unlock()

	go p.playLoop(playCtx)
}

// playLoop pops and plays tracks until the queue empties or playback is
// stopped. LoopOne replays the finished track; LoopAll re-queues it.
func (p *GuildPlayer) playLoop(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.playing = false
		p.paused = false
		p.current = nil
		channelID := p.lastTextChannelID
		p.mu.Unlock()
		p.sender.Resume()
		if ctx.Err() == nil {
			p.emit(
				PlayerEvent{
					GuildID:   p.guildID,
					ChannelID: channelID,
					Kind:      EventQueueEnded,
				},
			)
		}
	}()

	for ctx.Err() == nil {
		track, ok := p.nextTrack()
		if !ok {
			return
		}

		p.mu.Lock()
		p.current = &track
		p.lastActivity = time.Now()
		channelID := p.lastTextChannelID
		p.mu.Unlock()

		if err := p.playTrack(ctx, &track); err != nil && ctx.Err() == nil {
			p.logger.Error(
				"playback error",
				tint.Err(err),
				"track", track,
			)
			p.emit(
				PlayerEvent{
					GuildID:   p.guildID,
					ChannelID: channelID,
					Track:     &track,
					Err:       err,
					Kind:      EventPlaybackError,
				},
			)
			continue
		}

		skipped := false
		select {
		case <-p.skipCh:
			skipped = true
		default:
		}

		p.mu.Lock()
		mode := p.loopMode
		p.current = nil
		p.mu.Unlock()

		switch {
		case mode == LoopOne && !skipped:
			if err := p.queue.Push(track); err == nil {
				// replay immediately: move it to the front
				p.requeueFront(track)
			}
		case mode == LoopAll:
			if err := p.queue.Push(track); err != nil {
				p.logger.Warn("queue full, dropping looped track", "track", track)
			}
		}
	}
}

// requeueFront moves the just-pushed track to the head of the queue so
// LoopOne replays it next
func (p *GuildPlayer) requeueFront(track Track) {
	tracks := p.queue.Tracks()
	p.queue.Clear()
	_ = p.queue.Push(track)
	for _, t := range tracks[:len(tracks)-1] {
		_ = p.queue.Push(t)
	}
}

func (p *GuildPlayer) nextTrack() (Track, bool) {
	return p.queue.Pop()
}

func (p *GuildPlayer) playTrack(ctx context.Context, track *Track) error {
	if track.StreamURL == "" && p.resolver != nil {
		resolved, err := p.resolver.Resolve(ctx, track.SourceURL)
		if err != nil {
			return fmt.Errorf("error resolving stream: %w", err)
		}
		if len(resolved) == 0 || resolved[0].StreamURL == "" {
			return fmt.Errorf("no stream URL for %q", track.SourceURL)
		}
		track.StreamURL = resolved[0].StreamURL
	}

	p.mu.Lock()
	channelID := p.lastTextChannelID
	p.mu.Unlock()

	p.emit(
		PlayerEvent{
			GuildID:   p.guildID,
			ChannelID: channelID,
			Track:     track,
			Kind:      EventNowPlaying,
		},
	)
	p.logger.Info("now playing", "track", *track)
	return p.sender.Play(ctx, track.StreamURL)
}

func (p *GuildPlayer) emit(event PlayerEvent) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- event:
	default:
		p.logger.Warn("player event channel full, dropping event")
	}
}

// PlayerManager owns all per-guild players, creating them on demand and
// reaping idle ones on a schedule. When the guild cap is hit, the
// oldest inactive player is evicted to make room.
type PlayerManager struct {
	config    *MusicConfig
	logger    *slog.Logger
	resolver  TrackResolver
	newSender func(guildID string) AudioSender
	events    chan PlayerEvent

	mu      sync.Mutex
	players map[string]*GuildPlayer

	// voiceChannelEmpty reports whether the given voice channel has no
	// listeners besides the bot; set by the owner once the gateway
	// session exists
	voiceChannelEmpty func(guildID string, channelID string) bool

	// emptySince tracks when a connected player's voice channel was
	// first observed empty
	emptySince map[string]time.Time

	scheduler gocron.Scheduler
}

func NewPlayerManager(
	config *MusicConfig,
	resolver TrackResolver,
	newSender func(guildID string) AudioSender,
	logger *slog.Logger,
) *PlayerManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlayerManager{
		config:     config,
		logger:     logger.With(loggerNameKey, "player_manager"),
		resolver:   resolver,
		newSender:  newSender,
		players:    map[string]*GuildPlayer{},
		emptySince: map[string]time.Time{},
		events:     make(chan PlayerEvent, 64),
	}
}

// SetVoiceChannelEmptyCheck installs the callback used to decide
// whether a connected player's voice channel is empty
func (m *PlayerManager) SetVoiceChannelEmptyCheck(
	fn func(guildID string, channelID string) bool,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voiceChannelEmpty = fn
}

// Events returns the playback notification channel
func (m *PlayerManager) Events() <-chan PlayerEvent {
	return m.events
}

// Player returns the guild's player, creating it if needed. At the
// guild cap, the oldest inactive player is evicted first.
func (m *PlayerManager) Player(guildID string) *GuildPlayer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if player, ok := m.players[guildID]; ok {
		return player
	}

	if len(m.players) >= m.config.MaxGuilds {
		m.evictOldestLocked()
	}

	player := newGuildPlayer(
		guildID,
		m.config,
		m.newSender(guildID),
		m.resolver,
		m.events,
		m.logger,
	)
	m.players[guildID] = player
	return player
}

// Peek returns the guild's player without creating one
func (m *PlayerManager) Peek(guildID string) (*GuildPlayer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	player, ok := m.players[guildID]
	return player, ok
}

// Remove stops and drops the guild's player
func (m *PlayerManager) Remove(guildID string) {
	m.mu.Lock()
	player, ok := m.players[guildID]
	delete(m.players, guildID)
	delete(m.emptySince, guildID)
	m.mu.Unlock()

	if ok {
		if err := player.Disconnect(); err != nil &&
			!errors.Is(err, ErrNotInVoice) {
			m.logger.Warn(
				"error disconnecting player",
				tint.Err(err),
				"guild_id", guildID,
			)
		}
	}
}

// evictOldestLocked drops the least recently active, non-playing player.
// Caller must hold m.mu.
func (m *PlayerManager) evictOldestLocked() {
	var oldestID string
	oldestTime := time.Now()
	for guildID, player := range m.players {
		if player.Playing() {
			continue
		}
		if activity := player.LastActivity(); activity.Before(oldestTime) {
			oldestID = guildID
			oldestTime = activity
		}
	}
	if oldestID == "" {
		return
	}
	player := m.players[oldestID]
	delete(m.players, oldestID)
	delete(m.emptySince, oldestID)
	m.logger.Info(
		"evicted oldest inactive player to make room",
		"guild_id", oldestID,
	)
	go func() {
		_ = player.Disconnect()
	}()
}

// GuildIDs returns the guilds with live player state
func (m *PlayerManager) GuildIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.players))
	for id := range m.players {
		ids = append(ids, id)
	}
	return ids
}

// StartReaper schedules the idle-player sweep
func (m *PlayerManager) StartReaper(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(m.config.ReaperInterval),
		gocron.NewTask(
			func() {
				m.reap(ctx)
			},
		),
	)
	if err != nil {
		return err
	}
	m.scheduler = scheduler
	scheduler.Start()
	return nil
}

// reap drops players idle longer than the configured timeout, and
// disconnects players whose voice channel has been empty longer than the
// auto-leave timeout
func (m *PlayerManager) reap(ctx context.Context) {
	threshold := time.Now().Add(-m.config.InactiveTimeout)

	m.mu.Lock()
	var stale []string
	for guildID, player := range m.players {
		if player.Playing() {
			continue
		}
		if player.LastActivity().Before(threshold) {
			stale = append(stale, guildID)
		}
	}
	m.mu.Unlock()

	for _, guildID := range stale {
		m.logger.InfoContext(ctx, "reaping inactive player", "guild_id", guildID)
		m.Remove(guildID)
	}

	m.autoLeaveEmptyChannels(ctx)
}

// autoLeaveEmptyChannels disconnects players that have been alone in
// their voice channel past the auto-leave timeout. The first sweep that
// sees an empty channel starts the clock; a listener rejoining resets
// it.
func (m *PlayerManager) autoLeaveEmptyChannels(ctx context.Context) {
	m.mu.Lock()
	emptyCheck := m.voiceChannelEmpty
	timeout := m.config.AutoLeaveTimeout
	if emptyCheck == nil || timeout <= 0 {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	var abandoned []string
	for guildID, player := range m.players {
		channelID := player.VoiceChannelID()
		if channelID == "" || !emptyCheck(guildID, channelID) {
			delete(m.emptySince, guildID)
			continue
		}
		since, seen := m.emptySince[guildID]
		if !seen {
			m.emptySince[guildID] = now
			continue
		}
		if now.Sub(since) >= timeout {
			abandoned = append(abandoned, guildID)
			delete(m.emptySince, guildID)
		}
	}
	m.mu.Unlock()

	for _, guildID := range abandoned {
		player, ok := m.Peek(guildID)
		if !ok {
			continue
		}
		m.logger.InfoContext(
			ctx,
			"leaving empty voice channel",
			"guild_id", guildID,
			"auto_leave_timeout", timeout,
		)
		if err := player.Disconnect(); err != nil &&
			!errors.Is(err, ErrNotInVoice) {
			m.logger.Warn(
				"error leaving voice channel",
				tint.Err(err),
				"guild_id", guildID,
			)
		}
	}
}

// Shutdown stops the reaper and disconnects all players
func (m *PlayerManager) Shutdown() {
	if m.scheduler != nil {
		if err := m.scheduler.Shutdown(); err != nil {
			m.logger.Warn("error shutting down scheduler", tint.Err(err))
		}
	}
	for _, guildID := range m.GuildIDs() {
		m.Remove(guildID)
	}
}
