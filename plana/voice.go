package plana

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/bwmarrin/dgvoice"
	"github.com/bwmarrin/discordgo"
)

// PCM parameters expected by the discord voice gateway
const (
	voiceChannels  = 2
	voiceFrameRate = 48000
	voiceFrameSize = 960
)

// voiceJoiner is the slice of the discord session needed to open voice
// connections
type voiceJoiner interface {
	ChannelVoiceJoin(
		guildID string,
		channelID string,
		mute bool,
		deaf bool,
	) (*discordgo.VoiceConnection, error)
}

// discordVoiceSender is the production AudioSender: it joins guild voice
// channels over the gateway, transcodes stream URLs to PCM with ffmpeg,
// and feeds frames to the connection via dgvoice (which handles the opus
// encoding). Pausing holds back frame delivery without tearing down the
// transcoder.
type discordVoiceSender struct {
	guildID string
	session voiceJoiner

	mu           sync.Mutex
	connection   *discordgo.VoiceConnection
	stopPlayback context.CancelFunc

	// pauseGate is non-nil while paused; closing it resumes frame
	// delivery
	pauseGate chan struct{}
}

func newDiscordVoiceSender(
	guildID string,
	session voiceJoiner,
) *discordVoiceSender {
	return &discordVoiceSender{guildID: guildID, session: session}
}

func (s *discordVoiceSender) Join(guildID string, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connection != nil && s.connection.ChannelID == channelID {
		return nil
	}
	connection, err := s.session.ChannelVoiceJoin(
		guildID,
		channelID,
		false,
		true,
	)
	if err != nil {
		return err
	}
	s.connection = connection
	return nil
}

func (s *discordVoiceSender) Play(
	ctx context.Context,
	streamURL string,
) error {
	s.mu.Lock()
	connection := s.connection
	if connection == nil {
		s.mu.Unlock()
		return ErrNotInVoice
	}
	playCtx, cancel := context.WithCancel(ctx)
	s.stopPlayback = cancel
	s.mu.Unlock()
	defer cancel()

	cmd := exec.CommandContext(
		playCtx,
		"ffmpeg",
		"-i", streamURL,
		"-f", "s16le",
		"-ar", strconv.Itoa(voiceFrameRate),
		"-ac", strconv.Itoa(voiceChannels),
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err = cmd.Start(); err != nil {
		return err
	}
	defer func() {
		_ = cmd.Wait()
	}()

	_ = connection.Speaking(true)
	defer func() {
		_ = connection.Speaking(false)
	}()

	pcm := make(chan []int16, 2)
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		dgvoice.SendPCM(connection, pcm)
	}()
	defer func() {
		close(pcm)
		<-senderDone
	}()

	reader := bufio.NewReaderSize(stdout, 16384)
	for {
		if !s.waitWhilePaused(playCtx) {
			return ctx.Err()
		}

		frame := make([]int16, voiceFrameSize*voiceChannels)
		err = binary.Read(reader, binary.LittleEndian, &frame)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			if playCtx.Err() != nil {
				// stopped or skipped mid-track
				return ctx.Err()
			}
			return err
		}

		select {
		case pcm <- frame:
		case <-playCtx.Done():
			return ctx.Err()
		}
	}
}

// waitWhilePaused blocks until playback is resumed, returning false if
// the playback context ended while waiting
func (s *discordVoiceSender) waitWhilePaused(ctx context.Context) bool {
	for {
		s.mu.Lock()
		gate := s.pauseGate
		s.mu.Unlock()
		if gate == nil {
			return ctx.Err() == nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}
}

func (s *discordVoiceSender) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pauseGate == nil {
		s.pauseGate = make(chan struct{})
	}
}

func (s *discordVoiceSender) Resume() {
	s.mu.Lock()
	gate := s.pauseGate
	s.pauseGate = nil
	s.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (s *discordVoiceSender) Stop() {
	s.mu.Lock()
	cancel := s.stopPlayback
	gate := s.pauseGate
	s.pauseGate = nil
	s.mu.Unlock()
	if gate != nil {
		close(gate)
	}
	if cancel != nil {
		cancel()
	}
}

func (s *discordVoiceSender) Leave() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connection == nil {
		return ErrNotInVoice
	}
	err := s.connection.Disconnect()
	s.connection = nil
	return err
}

func (s *discordVoiceSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connection != nil
}

func (s *discordVoiceSender) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connection == nil {
		return ""
	}
	return s.connection.ChannelID
}
