package room

import (
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/transport"
)

// publication binds one local capture source to a pion track and its RTP
// sender. A pump goroutine forwards frames from the source until the source
// stops or the publication is torn down.
type publication struct {
	sid    string
	kind   eventbus.TrackKind
	source transport.CaptureSource
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	logger zerolog.Logger

	mu      sync.Mutex
	enabled bool
	done    chan struct{}
}

func codecForKind(kind eventbus.TrackKind) webrtc.RTPCodecCapability {
	if kind == eventbus.TrackVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, Channels: 2, ClockRate: 48000}
}

func newPublication(pc *webrtc.PeerConnection, source transport.CaptureSource, sid string, logger zerolog.Logger) (*publication, error) {
	kind := source.Kind()
	track, err := webrtc.NewTrackLocalStaticSample(codecForKind(kind), sid, "parley-"+string(kind))
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	p := &publication{
		sid:     sid,
		kind:    kind,
		source:  source,
		track:   track,
		sender:  sender,
		logger:  logger,
		enabled: source.Enabled(),
		done:    make(chan struct{}),
	}

	// Drain RTCP so interceptors keep working; contents are not used.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	go p.pump()
	return p, nil
}

// pump forwards encoded frames onto the wire while the source is engaged.
// Disabled publications keep consuming frames so the device pipeline never
// backs up, they just stop writing.
func (p *publication) pump() {
	defer close(p.done)
	for frame := range p.source.Frames() {
		if !p.Enabled() {
			continue
		}
		err := p.track.WriteSample(media.Sample{
			Data:     frame.Data,
			Duration: frame.Duration,
		})
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return
			}
			p.logger.Debug().Err(err).Str("sid", p.sid).Msg("sample write failed")
		}
	}
}

func (p *publication) SID() string { return p.sid }

func (p *publication) Kind() eventbus.TrackKind { return p.kind }

func (p *publication) SetEnabled(enabled bool) error {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
	p.source.SetEnabled(enabled)
	return nil
}

func (p *publication) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *publication) Active() bool {
	return p.source.Active()
}

// StopHard bypasses the publication abstraction and releases the raw device.
func (p *publication) StopHard() error {
	return p.source.Stop()
}
