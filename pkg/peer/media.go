package peer

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"manyeyes/pkg/log"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/pkg/errors"
)

const oggPageDuration = 20 * time.Millisecond

// playCamera writes the frames of the current camera file to track, starting
// over at the end of the file or after a switch, until done is closed.
func playCamera(done <-chan struct{}, switched <-chan struct{}, track *webrtc.TrackLocalStaticSample, camera func() string) {
	for {
		path := camera()

		if err := playIVF(done, switched, track, path); err != nil {
			log.WithFields(log.Fields{"camera": path}).WithError(err).Error("camera stopped")

			return
		}

		select {
		case <-done:
			return
		default:
		}
	}
}

func playIVF(done <-chan struct{}, switched <-chan struct{}, track *webrtc.TrackLocalStaticSample, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		return errors.Wrap(err, "ivf header")
	}

	if header.TimebaseDenominator == 0 {
		return errors.New("ivf header without timebase")
	}

	frameDuration := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-switched:
			return nil
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return errors.Wrap(err, "ivf frame")
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return errors.Wrap(err, "write video sample")
		}
	}
}

// playMicrophone loops the Ogg file at path into track until done is closed.
func playMicrophone(done <-chan struct{}, track *webrtc.TrackLocalStaticSample, path string) {
	for {
		if err := playOgg(done, track, path); err != nil {
			log.WithFields(log.Fields{"microphone": path}).WithError(err).Error("microphone stopped")

			return
		}

		select {
		case <-done:
			return
		default:
		}
	}
}

func playOgg(done <-chan struct{}, track *webrtc.TrackLocalStaticSample, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		return errors.Wrap(err, "ogg header")
	}

	var lastGranule uint64

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return errors.Wrap(err, "ogg page")
		}

		samples := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition

		duration := time.Duration(samples / 48000 * float64(time.Second))

		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return errors.Wrap(err, "write audio sample")
		}
	}
}

// sink is implemented by ivfwriter and oggwriter.
type sink interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// newSink returns nil, nil when recording is disabled.
func newSink(dir string, track *webrtc.TrackRemote) (sink, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	name := time.Now().Format("20060102-150405") + "-" + track.Kind().String()
	mime := track.Codec().MimeType

	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		return ivfwriter.New(filepath.Join(dir, name+".ivf"))
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		return oggwriter.New(filepath.Join(dir, name+".ogg"), 48000, 2)
	}

	return nil, errors.Errorf("no recorder for %s", mime)
}

// drain reads the remote track until it ends, writing packets to s if set.
func drain(track *webrtc.TrackRemote, s sink) {
	logger := log.WithFields(log.Fields{"track": track.ID()})

	defer func() {
		if s == nil {
			return
		}

		if err := s.Close(); err != nil {
			logger.WithError(err).Warn("close recording")
		}
	}()

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			return
		}

		if s == nil {
			continue
		}

		if err := s.WriteRTP(packet); err != nil {
			logger.WithError(err).Warn("recording stopped")

			if err := s.Close(); err != nil {
				logger.WithError(err).Warn("close recording")
			}

			s = nil
		}
	}
}
