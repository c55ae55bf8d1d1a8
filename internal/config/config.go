package config

import "time"

const (
	// RSSI to distance estimation
	MeasuredPower = -59 // RSSI at 1 meter (dBm), typical BLE

	// Locate session
	MaxTrailPoints       = 500                     // Detection points kept per session
	EventQueueSize       = 500                     // Buffered detection events for SSE/TUI consumers
	SmoothingAlpha       = 0.3                     // EMA smoothing factor (30% new, 70% old)
	PollInterval         = 1500 * time.Millisecond // Poll fallback period
	ScanRestartBackoff   = 8 * time.Second         // Minimum gap between scan restart attempts
	DeviceWindow         = 15 * time.Second        // Devices older than this stop producing detections
	DebugDeviceWindow    = 30 * time.Second        // Window used for the status debug sample
	DebugDeviceSample    = 8                       // Devices listed in the status debug sample
	StopJoinTimeout      = 3 * time.Second         // Bounded wait for the poll goroutine on stop
	NoMatchLogEveryPolls = 10                      // Log cadence while the target is missing
	FingerprintStability = 0.35                    // Minimum stability for an uncorroborated fingerprint match

	// Device management
	DeviceTimeout       = 120 * time.Second // Remove devices not seen for this long
	EvictInterval       = 5 * time.Second   // How often to run eviction
	FingerprintWarmup   = 10                // Observations before a fingerprint is fully stable
	CallbackDedupWindow = 1024              // Per-device RSSI dedup entries kept by a session

	// GPS
	GPSBaudRate  = 4800             // NMEA 0183 default
	GPSFixMaxAge = 10 * time.Second // Fixes older than this are treated as no fix

	// Scanner
	NameResolveAttempts = 2               // hcitool name attempts per address
	NameResolveTimeout  = 4 * time.Second // Per-attempt hcitool timeout
	NameResolvePause    = 3 * time.Second // Rate limit between requests
	ScanStopWait        = 2 * time.Second // Bounded wait for a stopped BLE scan goroutine to return

	// Demo mode
	DemoDeviceMin = 8  // Minimum fake devices
	DemoDeviceMax = 12 // Maximum fake devices
	DemoIRK       = "ec0234a357c8ad05341010a60a397d9b"
	DemoRPAPeriod = 15 * time.Second // Demo target re-randomizes its RPA this often

	// HTTP
	DefaultListen   = ":5050"
	StreamKeepAlive = 2 * time.Second

	// App
	AppName    = "BT-LOCATE"
	AppVersion = "1.0"
	TargetFPS  = 10
)
