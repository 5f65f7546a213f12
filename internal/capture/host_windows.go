//go:build windows

package capture

import (
	"context"
	"fmt"
	"unsafe"

	ole "github.com/go-ole/go-ole"
)

// loopbackDeviceID names the synthetic system-audio input backed by
// opening the default render endpoint in loopback mode. WASAPI exposes
// loopback on every render endpoint, so no intercept is ever needed
// here.
const loopbackDeviceID = "wasapi:loopback"

// NewHost builds the Windows capture surface. Microphones open capture
// endpoints directly; system audio is the render endpoint in loopback
// mode, surfaced as a native loopback device.
func NewHost(opts HostOptions) *Surface {
	return &Surface{
		Microphone:     openWindowsDevice,
		LoopbackDevice: windowsLoopbackDevice,
		ListDevices:    listWindowsDevices,
	}
}

func openWindowsDevice(ctx context.Context, device string) (*Stream, error) {
	dataFlow := uint32(eCapture)
	loopback := false
	label := "microphone"
	if device == loopbackDeviceID {
		dataFlow = eRender
		loopback = true
		device = ""
		label = "system audio"
	}

	track := NewTrack(TrackAudio, "audio-"+label, label, nil)
	wc, err := startWASAPI(device, dataFlow, loopback, track)
	if err != nil {
		return nil, err
	}
	track.stop = wc.stop
	return NewStream("stream-"+label, track), nil
}

func windowsLoopbackDevice(ctx context.Context) (string, error) {
	return loopbackDeviceID, nil
}

// listWindowsDevices enumerates active capture endpoints plus the
// synthetic loopback input.
func listWindowsDevices(ctx context.Context) ([]Device, error) {
	if err := comInitialize(); err != nil {
		return nil, fmt.Errorf("CoInitializeEx: %w", err)
	}

	enumerator, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return nil, fmt.Errorf("create MMDeviceEnumerator: %w", err)
	}
	defer enumerator.Release()
	enumPtr := uintptr(unsafe.Pointer(enumerator))

	defaultID := ""
	var defaultDev uintptr
	if _, err := comCall(enumPtr, mmdeGetDefaultAudioEndpoint,
		uintptr(eCapture), uintptr(eConsole), uintptr(unsafe.Pointer(&defaultDev))); err == nil {
		defaultID = deviceID(defaultDev)
		comRelease(defaultDev)
	}

	var collection uintptr
	_, err = comCall(enumPtr, mmdeEnumAudioEndpoints,
		uintptr(eCapture), uintptr(deviceStateActive), uintptr(unsafe.Pointer(&collection)))
	if err != nil {
		return nil, fmt.Errorf("EnumAudioEndpoints: %w", err)
	}
	defer comRelease(collection)

	var count uint32
	if _, err := comCall(collection, collGetCount, uintptr(unsafe.Pointer(&count))); err != nil {
		return nil, fmt.Errorf("GetCount: %w", err)
	}

	devices := make([]Device, 0, count+1)
	for i := uint32(0); i < count; i++ {
		var dev uintptr
		if _, err := comCall(collection, collItem, uintptr(i), uintptr(unsafe.Pointer(&dev))); err != nil {
			continue
		}
		id := deviceID(dev)
		comRelease(dev)
		if id == "" {
			continue
		}
		devices = append(devices, Device{
			ID:      id,
			Label:   fmt.Sprintf("capture endpoint %d", i),
			Kind:    DeviceMicrophone,
			Default: id == defaultID,
		})
	}

	devices = append(devices, Device{
		ID:    loopbackDeviceID,
		Label: "system audio (render loopback)",
		Kind:  DeviceLoopback,
	})
	return devices, nil
}

func deviceID(dev uintptr) string {
	var idPtr *uint16
	if _, err := comCall(dev, mmDeviceGetID, uintptr(unsafe.Pointer(&idPtr))); err != nil {
		return ""
	}
	return comWideString(idPtr)
}
