package capture

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dshowListing = `[dshow @ 0000020] DirectShow video devices (some may be both video and audio devices)
[dshow @ 0000020]  "Integrated Webcam"
[dshow @ 0000020]     Alternative name "@device_pnp_\\?\usb#vid"
[dshow @ 0000020]  "OBS Virtual Camera"
[dshow @ 0000020]     Alternative name "@device_sw_{860BB310}"
[dshow @ 0000020]  "Camera 1"
[dshow @ 0000020]  "integrated webcam"
[dshow @ 0000020] DirectShow audio devices
[dshow @ 0000020]  "Microphone Array"
dummy: Immediate exit requested`

func fakeEnumerator(backend Backend, output string) *Enumerator {
	return &Enumerator{
		FFmpegPath: "ffmpeg",
		Backend:    backend,
		runner: func(ctx context.Context, args []string) (string, error) {
			return output, nil
		},
	}
}

func TestDevicesDShow(t *testing.T) {
	e := fakeEnumerator(BackendDShow, dshowListing)
	devices, err := e.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "Integrated Webcam", devices[0].DisplayName)
	assert.False(t, devices[0].IsVirtual)
	assert.Equal(t, "OBS Virtual Camera", devices[1].DisplayName)
	assert.True(t, devices[1].IsVirtual)
}

func TestDevicesDShowRejectsPlaceholders(t *testing.T) {
	e := fakeEnumerator(BackendDShow, dshowListing)
	devices, err := e.Devices(context.Background())
	require.NoError(t, err)
	for _, d := range devices {
		assert.NotRegexp(t, `(?i)^camera\s*\d+$`, d.DisplayName)
	}
}

func TestDevicesAVFoundation(t *testing.T) {
	out := `[AVFoundation indev @ 0x7f8] AVFoundation video devices:
[AVFoundation indev @ 0x7f8] [0] FaceTime HD Camera
[AVFoundation indev @ 0x7f8] [1] Snap Camera
[AVFoundation indev @ 0x7f8] AVFoundation audio devices:
[AVFoundation indev @ 0x7f8] [0] MacBook Pro Microphone`
	e := fakeEnumerator(BackendAVFoundation, out)
	devices, err := e.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "FaceTime HD Camera", devices[0].DisplayName)
	assert.True(t, devices[1].IsVirtual)
}

func TestDevicesV4L2TokensArePaths(t *testing.T) {
	out := `Auto-detected sources for v4l2:
* /dev/video0 [Integrated Camera]
* /dev/video2 [Dummy video device (loopback)]
  /dev/video1 [Integrated Camera metadata]`
	e := fakeEnumerator(BackendV4L2, out)
	devices, err := e.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "/dev/video0", devices[0].Token)
	assert.Equal(t, "Integrated Camera", devices[0].DisplayName)
	assert.Equal(t, "/dev/video2", devices[1].Token)
	assert.True(t, devices[1].IsVirtual)
}

func TestBuildInputCandidatesMatchesCaseInsensitively(t *testing.T) {
	out := `Auto-detected sources for v4l2:
* /dev/video0 [Integrated Camera]`
	e := fakeEnumerator(BackendV4L2, out)

	candidates, err := e.BuildInputCandidates(context.Background(), "integrated camera")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "/dev/video0", candidates[0].Token)

	candidates, err = e.BuildInputCandidates(context.Background(), "Gone Camera")
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestDedupeNamesIsCaseInsensitive(t *testing.T) {
	out := dedupeNames([]string{"Webcam", "webcam", " WEBCAM ", "Other"})
	assert.Equal(t, []string{"Webcam", "Other"}, out)
}
