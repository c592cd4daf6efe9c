package services

import "fmt"

// ServiceID selects the remote handler of a request.
type ServiceID uint16

// Service groups.
const (
	GroupMaintenance ServiceID = 0
	GroupApplication ServiceID = 100
	GroupSystemMgmt  ServiceID = 200
	GroupPower       ServiceID = 300
	GroupCrypto      ServiceID = 400
	GroupBoot        ServiceID = 500
	GroupUpdate      ServiceID = 600
	groupEnd         ServiceID = 700
)

// Service IDs.
const (
	MaintenanceHeartbeat ServiceID = GroupMaintenance + 0

	ApplicationPinMux     ServiceID = GroupApplication + 0
	ApplicationPadControl ServiceID = GroupApplication + 1

	SystemMgmtGetTOCVersion     ServiceID = GroupSystemMgmt + 0
	SystemMgmtGetTOCNumber      ServiceID = GroupSystemMgmt + 1
	SystemMgmtGetDeviceRevision ServiceID = GroupSystemMgmt + 6

	PowerMemoryRetention ServiceID = GroupPower + 0

	CryptoGetRandom ServiceID = GroupCrypto + 0

	BootProcessTOCEntry ServiceID = GroupBoot + 0
	BootCPU             ServiceID = GroupBoot + 1
	BootReleaseCPU      ServiceID = GroupBoot + 2
	BootResetCPU        ServiceID = GroupBoot + 3
	BootResetSoC        ServiceID = GroupBoot + 4
)

var serviceNames = map[ServiceID]string{
	MaintenanceHeartbeat:        "heartbeat",
	ApplicationPinMux:           "pinmux",
	ApplicationPadControl:       "pad-control",
	SystemMgmtGetTOCVersion:     "get-toc-version",
	SystemMgmtGetTOCNumber:      "get-toc-number",
	SystemMgmtGetDeviceRevision: "get-device-revision",
	PowerMemoryRetention:        "power-memory-retention",
	CryptoGetRandom:             "get-random",
	BootProcessTOCEntry:         "boot-process-toc-entry",
	BootCPU:                     "boot-cpu",
	BootReleaseCPU:              "boot-release-cpu",
	BootResetCPU:                "boot-reset-cpu",
	BootResetSoC:                "boot-reset-soc",
}

var groupNames = []string{
	"maintenance",
	"application",
	"system-mgmt",
	"power",
	"crypto",
	"boot",
	"update",
}

// Group returns the group the ID belongs to.
func (id ServiceID) Group() ServiceID {
	return id - id%100
}

func (id ServiceID) String() string {
	if name, ok := serviceNames[id]; ok {
		return name
	}
	if id < groupEnd {
		return fmt.Sprintf("%s#%d", groupNames[id/100], id)
	}
	return fmt.Sprintf("service#%d", id)
}
