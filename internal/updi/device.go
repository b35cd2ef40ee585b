package updi

// DeviceTag names one of the supported AVR parts.
type DeviceTag string

const (
	ATmega4808 DeviceTag = "atmega4808"
	ATmega4809 DeviceTag = "atmega4809"
	ATmega3208 DeviceTag = "atmega3208"
	ATmega3209 DeviceTag = "atmega3209"

	ATtiny3216 DeviceTag = "attiny3216"
	ATtiny3217 DeviceTag = "attiny3217"

	ATtiny1604 DeviceTag = "attiny1604"
	ATtiny1606 DeviceTag = "attiny1606"
	ATtiny1607 DeviceTag = "attiny1607"
	ATtiny1614 DeviceTag = "attiny1614"
	ATtiny1616 DeviceTag = "attiny1616"
	ATtiny1617 DeviceTag = "attiny1617"

	ATtiny804 DeviceTag = "attiny804"
	ATtiny806 DeviceTag = "attiny806"
	ATtiny807 DeviceTag = "attiny807"
	ATtiny814 DeviceTag = "attiny814"
	ATtiny816 DeviceTag = "attiny816"
	ATtiny817 DeviceTag = "attiny817"

	ATtiny402 DeviceTag = "attiny402"
	ATtiny404 DeviceTag = "attiny404"
	ATtiny406 DeviceTag = "attiny406"
	ATtiny412 DeviceTag = "attiny412"
	ATtiny414 DeviceTag = "attiny414"
	ATtiny416 DeviceTag = "attiny416"
	ATtiny417 DeviceTag = "attiny417"

	ATtiny202 DeviceTag = "attiny202"
	ATtiny204 DeviceTag = "attiny204"
	ATtiny212 DeviceTag = "attiny212"
	ATtiny214 DeviceTag = "attiny214"
)

// Device is the static descriptor of a part's memory map, looked up by tag.
type Device struct {
	FlashStart     uint16
	FlashSize      uint16
	FlashPageSize  uint16
	SyscfgAddress  uint16
	NVMCtrlAddress uint16
	SigrowAddress  uint16
	FusesAddress   uint16
	UserrowAddress uint16
	NumFuses       uint8
}

const (
	syscfgAddress  = 0x0F00
	nvmctrlAddress = 0x1000
	sigrowAddress  = 0x1100
	fusesAddress   = 0x1280
	userrowAddress = 0x1300
	numFuses       = 11
)

func megaDevice(flashSize uint16) Device {
	return Device{
		FlashStart:     0x4000,
		FlashSize:      flashSize,
		FlashPageSize:  128,
		SyscfgAddress:  syscfgAddress,
		NVMCtrlAddress: nvmctrlAddress,
		SigrowAddress:  sigrowAddress,
		FusesAddress:   fusesAddress,
		UserrowAddress: userrowAddress,
		NumFuses:       numFuses,
	}
}

func tinyDevice(flashSize, pageSize uint16) Device {
	return Device{
		FlashStart:     0x8000,
		FlashSize:      flashSize,
		FlashPageSize:  pageSize,
		SyscfgAddress:  syscfgAddress,
		NVMCtrlAddress: nvmctrlAddress,
		SigrowAddress:  sigrowAddress,
		FusesAddress:   fusesAddress,
		UserrowAddress: userrowAddress,
		NumFuses:       numFuses,
	}
}

// devices is the static catalogue, one entry per supported part. Values are
// grounded on updi_init's device switch in the original implementation.
var devices = map[DeviceTag]Device{
	ATmega4808: megaDevice(48 * 1024),
	ATmega4809: megaDevice(48 * 1024),
	ATmega3208: megaDevice(32 * 1024),
	ATmega3209: megaDevice(32 * 1024),

	ATtiny3216: tinyDevice(32*1024, 128),
	ATtiny3217: tinyDevice(32*1024, 128),

	ATtiny1604: tinyDevice(16*1024, 64),
	ATtiny1606: tinyDevice(16*1024, 64),
	ATtiny1607: tinyDevice(16*1024, 64),
	ATtiny1614: tinyDevice(16*1024, 64),
	ATtiny1616: tinyDevice(16*1024, 64),
	ATtiny1617: tinyDevice(16*1024, 64),

	ATtiny804: tinyDevice(8*1024, 64),
	ATtiny806: tinyDevice(8*1024, 64),
	ATtiny807: tinyDevice(8*1024, 64),
	ATtiny814: tinyDevice(8*1024, 64),
	ATtiny816: tinyDevice(8*1024, 64),
	ATtiny817: tinyDevice(8*1024, 64),

	ATtiny402: tinyDevice(4*1024, 64),
	ATtiny404: tinyDevice(4*1024, 64),
	ATtiny406: tinyDevice(4*1024, 64),
	ATtiny412: tinyDevice(4*1024, 64),
	ATtiny414: tinyDevice(4*1024, 64),
	ATtiny416: tinyDevice(4*1024, 64),
	ATtiny417: tinyDevice(4*1024, 64),

	ATtiny202: tinyDevice(2*1024, 64),
	ATtiny204: tinyDevice(2*1024, 64),
	ATtiny212: tinyDevice(2*1024, 64),
	ATtiny214: tinyDevice(2*1024, 64),
}

// Lookup returns the Device descriptor for tag, or ErrBadConfig if tag
// names no supported part.
func Lookup(tag DeviceTag) (Device, error) {
	d, ok := devices[tag]
	if !ok {
		return Device{}, wrap(ErrBadConfig, "unknown device %q", tag)
	}
	return d, nil
}

// Info is the device identification block read back over UPDI: the SIB
// (system info block) fields plus the silicon ID and revision pulled from
// SIGROW/SYSCFG once programming mode is active.
type Info struct {
	Family     string
	NVMVersion string
	OCDVersion string
	DbgOscFreq byte
	PDIRev     byte
	DevID      [3]byte
	DevRev     byte
}
