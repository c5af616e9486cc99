package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// DeviceFingerprint is the stable per-account hardware identity presented to
// the source network on every login. It is generated once per account and
// persisted; reusing the same fingerprint across logins is what keeps the
// account from looking like a new device each time.
type DeviceFingerprint struct {
	AccountID      string `json:"account_id"`
	DeviceID       string `json:"device_id"`
	InstallationID string `json:"installation_id"`
	PhoneID        string `json:"phone_id"`
	AdvertisingID  string `json:"advertising_id"`
	AndroidVersion int    `json:"android_version"`
	AndroidRelease string `json:"android_release"`
	DPI            string `json:"dpi"`
	Resolution     string `json:"resolution"`
	Manufacturer   string `json:"manufacturer"`
	Model          string `json:"model"`
	CPU            string `json:"cpu"`
	Locale         string `json:"locale"`
}

type deviceProfile struct {
	manufacturer string
	model        string
	cpu          string
	dpi          string
	resolution   string
	version      int
	release      string
}

var deviceProfiles = []deviceProfile{
	{"samsung", "SM-G991B", "exynos2100", "421dpi", "1080x2400", 33, "13"},
	{"samsung", "SM-A525F", "qcom", "405dpi", "1080x2400", 31, "12"},
	{"Google", "Pixel 6", "oriole", "411dpi", "1080x2400", 33, "13"},
	{"Google", "Pixel 7a", "lynx", "420dpi", "1080x2400", 34, "14"},
	{"Xiaomi", "M2101K6G", "qcom", "440dpi", "1080x2400", 31, "12"},
	{"OnePlus", "LE2113", "qcom", "420dpi", "1080x2400", 33, "13"},
}

// NewDeviceFingerprint derives a fingerprint for the account. The hardware
// profile is picked deterministically from the account id so regenerating
// after a lost state directory yields the same device; the per-install ids
// are random.
func NewDeviceFingerprint(accountID string) *DeviceFingerprint {
	sum := sha256.Sum256([]byte(accountID))
	profile := deviceProfiles[int(binary.BigEndian.Uint32(sum[:4]))%len(deviceProfiles)]

	return &DeviceFingerprint{
		AccountID:      accountID,
		DeviceID:       "android-" + hex.EncodeToString(sum[4:10]),
		InstallationID: uuid.New().String(),
		PhoneID:        uuid.New().String(),
		AdvertisingID:  uuid.New().String(),
		AndroidVersion: profile.version,
		AndroidRelease: profile.release,
		DPI:            profile.dpi,
		Resolution:     profile.resolution,
		Manufacturer:   profile.manufacturer,
		Model:          profile.model,
		CPU:            profile.cpu,
		Locale:         "en_US",
	}
}

// UserAgent renders the fingerprint as the mobile client user-agent string
// the source network expects on REST calls.
func (f *DeviceFingerprint) UserAgent() string {
	return fmt.Sprintf("DMApp 301.0.0.0 Android (%d/%s; %s; %s; %s; %s; %s; %s)",
		f.AndroidVersion, f.AndroidRelease, f.DPI, f.Resolution,
		f.Manufacturer, f.Model, f.CPU, f.Locale)
}
