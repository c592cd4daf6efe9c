package env

import (
	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"
)

const appID = "mhu.go"

// MachineID retrieves an ID identifying the machine, hashed for this
// application. It's empty if the machine has no ID.
func MachineID() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		glog.V(1).Infof("machine id: %v", err)
		return ""
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}
