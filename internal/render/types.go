// Package render turns wiki article URLs into PDF documents using a
// headless Chrome subprocess per job.
package render

import (
	"fmt"
	"strings"
)

// PageFormat selects the paper size for the produced PDF.
type PageFormat string

// Supported page formats.
const (
	FormatLetter PageFormat = "letter"
	FormatA4     PageFormat = "a4"
	FormatLegal  PageFormat = "legal"
)

// paperSize holds physical dimensions in inches, as consumed by
// Page.printToPDF.
type paperSize struct {
	width  float64
	height float64
}

var paperSizes = map[PageFormat]paperSize{
	FormatLetter: {width: 8.5, height: 11},
	FormatA4:     {width: 8.27, height: 11.69},
	FormatLegal:  {width: 8.5, height: 14},
}

// ParsePageFormat maps a request path segment to a PageFormat.
func ParsePageFormat(raw string) (PageFormat, error) {
	f := PageFormat(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := paperSizes[f]; !ok {
		return "", fmt.Errorf("unsupported page format %q", raw)
	}
	return f, nil
}

// DeviceType selects the emulated device profile.
type DeviceType string

// Supported device types.
const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
)

// ParseDeviceType maps a request path segment to a DeviceType. The empty
// string defaults to desktop.
func ParseDeviceType(raw string) (DeviceType, error) {
	switch DeviceType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DeviceDesktop:
		return DeviceDesktop, nil
	case DeviceMobile:
		return DeviceMobile, nil
	default:
		return "", fmt.Errorf("unsupported device type %q", raw)
	}
}

// DeviceProfile describes the emulated viewport and user agent for a render.
type DeviceProfile struct {
	Width     int64
	Height    int64
	Mobile    bool
	UserAgent string
}

// ProfileFor returns the emulation profile for the given device type. The
// user agents fall back to cfg defaults when unset.
func ProfileFor(device DeviceType, desktopUA, mobileUA string) DeviceProfile {
	if device == DeviceMobile {
		return DeviceProfile{
			Width:     375,
			Height:    667,
			Mobile:    true,
			UserAgent: mobileUA,
		}
	}
	return DeviceProfile{
		Width:     1920,
		Height:    1080,
		Mobile:    false,
		UserAgent: desktopUA,
	}
}

// Result is the payload of a successful render.
type Result struct {
	// Buffer holds the PDF bytes.
	Buffer []byte
	// LastModified is the upstream Last-Modified header value, or the
	// render time in HTTP date form when the upstream omitted it.
	LastModified string
}
