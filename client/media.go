// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harmonlove/callhub/service/random"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusSampleRate    = 48000
	opusFrameDuration = 20 * time.Millisecond
)

// opusSilenceFrame is a single 20ms Opus frame of silence.
var opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}

// MediaStream is a set of local tracks owned by a call session.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	// Stop releases the stream. It's safe to call more than once.
	Stop()
}

// MediaSource acquires local media for a call.
type MediaSource func(ctx context.Context) (MediaStream, error)

func newOpusTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   opusSampleRate,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "voice_"+random.NewID())
}

// sampleStream feeds a single audio track from a sample producer until
// stopped.
type sampleStream struct {
	track    *webrtc.TrackLocalStaticSample
	log      *slog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func (s *sampleStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *sampleStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

func (s *sampleStream) run(next func() (media.Sample, error), cleanup func()) {
	defer close(s.doneCh)
	if cleanup != nil {
		defer cleanup()
	}

	// A ticker doesn't accumulate skew the way repeated sleeps do.
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		sample, err := next()
		if err != nil {
			s.log.Error("failed to read audio sample", slog.String("err", err.Error()))
			return
		}

		if err := s.track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.log.Error("failed to write audio sample", slog.String("err", err.Error()))
			return
		}
	}
}

// NewSilenceSource returns a MediaSource producing an Opus track of silence.
func NewSilenceSource(log *slog.Logger) MediaSource {
	if log == nil {
		log = slog.Default()
	}
	return func(_ context.Context) (MediaStream, error) {
		track, err := newOpusTrack()
		if err != nil {
			return nil, fmt.Errorf("failed to create track: %w", err)
		}

		s := &sampleStream{
			track:  track,
			log:    log,
			stopCh: make(chan struct{}),
			doneCh: make(chan struct{}),
		}
		go s.run(func() (media.Sample, error) {
			return media.Sample{Data: opusSilenceFrame, Duration: opusFrameDuration}, nil
		}, nil)

		return s, nil
	}
}

// NewOggFileSource returns a MediaSource streaming an Ogg/Opus file in a
// loop.
func NewOggFileSource(path string, log *slog.Logger) MediaSource {
	if log == nil {
		log = slog.Default()
	}
	return func(_ context.Context) (MediaStream, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}

		ogg, _, err := oggreader.NewWith(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to read ogg header: %w", err)
		}

		track, err := newOpusTrack()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create track: %w", err)
		}

		s := &sampleStream{
			track:  track,
			log:    log,
			stopCh: make(chan struct{}),
			doneCh: make(chan struct{}),
		}

		sampler := &oggSampler{ogg: ogg, file: file}

		go s.run(sampler.next, func() { file.Close() })

		return s, nil
	}
}

var opusHeaderMagics = [][]byte{[]byte("OpusHead"), []byte("OpusTags")}

func isOpusHeaderPage(data []byte) bool {
	for _, magic := range opusHeaderMagics {
		if bytes.HasPrefix(data, magic) {
			return true
		}
	}
	return false
}

// oggSampler turns Ogg pages into media samples, rewinding the file on EOF.
type oggSampler struct {
	ogg  *oggreader.OggReader
	file io.ReadSeeker

	// The granule position difference between pages is the amount of
	// samples in the page.
	lastGranule uint64
}

func (o *oggSampler) rewind() {
	o.ogg.ResetReader(func(_ int64) io.Reader {
		_, _ = o.file.Seek(0, io.SeekStart)
		return o.file
	})
	o.lastGranule = 0
}

func (o *oggSampler) next() (media.Sample, error) {
	rewound := false
	for {
		data, header, err := o.ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if rewound {
				return media.Sample{}, fmt.Errorf("no audio pages in file: %w", err)
			}
			o.rewind()
			rewound = true
			continue
		}
		if err != nil {
			return media.Sample{}, err
		}

		// Header pages show up again after every rewind.
		if isOpusHeaderPage(data) {
			o.lastGranule = header.GranulePosition
			continue
		}

		var sampleCount uint64
		if header.GranulePosition > o.lastGranule {
			sampleCount = header.GranulePosition - o.lastGranule
		}
		o.lastGranule = header.GranulePosition

		return media.Sample{
			Data:     data,
			Duration: time.Duration(sampleCount) * time.Second / opusSampleRate,
		}, nil
	}
}
