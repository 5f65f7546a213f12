//go:build windows

package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"

	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
)

// WASAPI COM GUIDs
var (
	clsidMMDeviceEnumerator = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator  = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioClient         = ole.NewGUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioCaptureClient  = ole.NewGUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")
)

// WASAPI constants
const (
	eRender  = 0
	eCapture = 1
	eConsole = 0

	deviceStateActive = 0x1

	audclntStreamLoopback  = 0x00020000
	audclntShareModeShared = 0
	waveFormatIEEEFloat    = 0x0003
	waveFormatExtensible   = 0xFFFE

	clsctxAll = 0x1 | 0x2 | 0x4 | 0x10

	// AUDCLNT_E_DEVICE_INVALIDATED
	hrDeviceInvalidated = 0x88890004

	// COM vtable indices (IUnknown = 0,1,2; interface methods start at 3)
	mmdeEnumAudioEndpoints      = 3  // IMMDeviceEnumerator::EnumAudioEndpoints
	mmdeGetDefaultAudioEndpoint = 4  // IMMDeviceEnumerator::GetDefaultAudioEndpoint
	mmdeGetDevice               = 5  // IMMDeviceEnumerator::GetDevice
	collGetCount                = 3  // IMMDeviceCollection::GetCount
	collItem                    = 4  // IMMDeviceCollection::Item
	mmDeviceActivate            = 3  // IMMDevice::Activate
	mmDeviceGetID               = 5  // IMMDevice::GetId
	audioClientInitialize       = 3  // IAudioClient::Initialize
	audioClientGetMixFormat     = 8  // IAudioClient::GetMixFormat
	audioClientStart            = 10 // IAudioClient::Start
	audioClientStop             = 11 // IAudioClient::Stop
	audioClientGetService       = 14 // IAudioClient::GetService
	capClientGetBuffer          = 3  // IAudioCaptureClient::GetBuffer
	capClientReleaseBuffer      = 4  // IAudioCaptureClient::ReleaseBuffer
)

// WAVEFORMATEX layout
type waveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

// wasapiCapture owns one WASAPI capture stream: a microphone endpoint,
// or the default render endpoint opened in loopback mode for system
// audio.
type wasapiCapture struct {
	enumerator    *ole.IUnknown
	device        uintptr
	audioClient   uintptr
	captureClient uintptr

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// startWASAPI opens the endpoint and begins pushing 20ms μ-law frames
// into track. deviceID selects a specific endpoint; empty means the
// default for the flow. loopback opens a render endpoint for capture.
func startWASAPI(deviceID string, dataFlow uint32, loopback bool, track *Track) (*wasapiCapture, error) {
	w := &wasapiCapture{done: make(chan struct{})}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := comInitialize(); err != nil {
		return nil, fmt.Errorf("CoInitializeEx: %w", err)
	}

	enumerator, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return nil, fmt.Errorf("create MMDeviceEnumerator: %w", err)
	}
	w.enumerator = enumerator
	enumPtr := uintptr(unsafe.Pointer(enumerator))

	var device uintptr
	if deviceID == "" {
		_, err = comCall(enumPtr, mmdeGetDefaultAudioEndpoint,
			uintptr(dataFlow), uintptr(eConsole), uintptr(unsafe.Pointer(&device)))
		if err != nil {
			w.release()
			return nil, fmt.Errorf("GetDefaultAudioEndpoint: %w", err)
		}
	} else {
		wide, err := windows.UTF16PtrFromString(deviceID)
		if err != nil {
			w.release()
			return nil, fmt.Errorf("device id %q: %w", deviceID, err)
		}
		_, err = comCall(enumPtr, mmdeGetDevice,
			uintptr(unsafe.Pointer(wide)), uintptr(unsafe.Pointer(&device)))
		if err != nil {
			w.release()
			return nil, fmt.Errorf("GetDevice %q: %w", deviceID, err)
		}
	}
	w.device = device

	var audioClient uintptr
	_, err = comCall(device, mmDeviceActivate,
		uintptr(unsafe.Pointer(iidIAudioClient)),
		uintptr(clsctxAll),
		0,
		uintptr(unsafe.Pointer(&audioClient)),
	)
	if err != nil {
		w.release()
		return nil, fmt.Errorf("Activate IAudioClient: %w", err)
	}
	w.audioClient = audioClient

	var mixFormatPtr uintptr
	_, err = comCall(audioClient, audioClientGetMixFormat, uintptr(unsafe.Pointer(&mixFormatPtr)))
	if err != nil {
		w.release()
		return nil, fmt.Errorf("GetMixFormat: %w", err)
	}
	// Copy by value; the COM allocation is freed after Initialize.
	mixFormat := *(*waveFormatEx)(unsafe.Pointer(mixFormatPtr))

	var streamFlags uintptr
	if loopback {
		streamFlags = audclntStreamLoopback
	}
	bufferDuration := int64(200 * 10000) // 200ms in 100-ns units
	_, err = comCall(audioClient, audioClientInitialize,
		uintptr(audclntShareModeShared),
		streamFlags,
		uintptr(bufferDuration),
		0, // periodicity
		mixFormatPtr,
		0, // AudioSessionGuid
	)
	ole.CoTaskMemFree(mixFormatPtr)
	if err != nil {
		w.release()
		return nil, fmt.Errorf("Initialize: %w", err)
	}

	var captureClient uintptr
	_, err = comCall(audioClient, audioClientGetService,
		uintptr(unsafe.Pointer(iidIAudioCaptureClient)),
		uintptr(unsafe.Pointer(&captureClient)),
	)
	if err != nil {
		w.release()
		return nil, fmt.Errorf("GetService IAudioCaptureClient: %w", err)
	}
	w.captureClient = captureClient

	if _, err = comCall(audioClient, audioClientStart); err != nil {
		w.release()
		return nil, fmt.Errorf("Start: %w", err)
	}

	log := logging.L("wasapi")
	log.Debug("capture format",
		"channels", mixFormat.Channels,
		"sample_rate", mixFormat.SamplesPerSec,
		"bits_per_sample", mixFormat.BitsPerSample,
		"loopback", loopback,
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		// The COM apartment is per OS thread.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := comInitialize(); err != nil {
			log.Error("capture goroutine CoInitializeEx failed", logging.KeyError, err)
			return
		}
		defer ole.CoUninitialize()

		w.captureLoop(track, mixFormat)
	}()

	return w, nil
}

func (w *wasapiCapture) captureLoop(track *Track, format waveFormatEx) {
	log := logging.L("wasapi")

	channels := int(format.Channels)
	bytesPerSample := int(format.BitsPerSample) / 8
	bytesPerFrame := channels * bytesPerSample
	isFloat := format.FormatTag == waveFormatIEEEFloat ||
		(format.FormatTag == waveFormatExtensible && format.BitsPerSample == 32)

	ds := newDownsampler(int(format.SamplesPerSec), track.Push)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-track.Done():
			return
		case <-ticker.C:
		}

		for {
			var dataPtr uintptr
			var numFrames uint32
			var flags uint32

			hr, err := comCall(w.captureClient, capClientGetBuffer,
				uintptr(unsafe.Pointer(&dataPtr)),
				uintptr(unsafe.Pointer(&numFrames)),
				uintptr(unsafe.Pointer(&flags)),
				0, // devicePosition
				0, // qpcPosition
			)
			if err != nil {
				if uint32(hr) == hrDeviceInvalidated {
					log.Warn("audio device invalidated, stopping capture")
					return
				}
				log.Debug("GetBuffer transient error", logging.KeyError, err)
				break // retry on next tick
			}
			if numFrames == 0 {
				break
			}

			silent := flags&0x2 != 0 // AUDCLNT_BUFFERFLAGS_SILENT

			if !silent && dataPtr != 0 {
				raw := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), int(numFrames)*bytesPerFrame)
				for i := 0; i < int(numFrames); i++ {
					// Mix down to mono: average all channels.
					var mono float64
					for ch := 0; ch < channels; ch++ {
						offset := i*bytesPerFrame + ch*bytesPerSample
						if isFloat && bytesPerSample == 4 {
							mono += float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[offset:])))
						} else if bytesPerSample == 2 {
							s16 := int16(binary.LittleEndian.Uint16(raw[offset:]))
							mono += float64(s16) / 32768.0
						}
					}
					ds.writeSample(mono / float64(channels))
				}
			} else if silent {
				ds.writeSilence(int(numFrames))
			}

			if _, err := comCall(w.captureClient, capClientReleaseBuffer, uintptr(numFrames)); err != nil {
				log.Warn("ReleaseBuffer failed", logging.KeyError, err)
				return // pipeline inconsistent, stop capture
			}
		}
	}
}

// stop halts the capture loop and releases the COM objects. Idempotent.
func (w *wasapiCapture) stop() {
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()

		if w.audioClient != 0 {
			comCall(w.audioClient, audioClientStop)
		}
		w.release()
	})
}

func (w *wasapiCapture) release() {
	if w.captureClient != 0 {
		comRelease(w.captureClient)
		w.captureClient = 0
	}
	if w.audioClient != 0 {
		comRelease(w.audioClient)
		w.audioClient = 0
	}
	if w.device != 0 {
		comRelease(w.device)
		w.device = 0
	}
	if w.enumerator != nil {
		w.enumerator.Release()
		w.enumerator = nil
	}
}
