package node

import "fmt"

// ComponentType represents the role of this node.
type ComponentType int

const (
	RoleNone   ComponentType = iota
	RoleMaster               // registry, balancing, own camera as in-process slave
	RoleSlave                // camera node acquired by a master
)

func (c ComponentType) String() string {
	switch c {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return "none"
	}
}

// ParseRole parses the --type flag value.
func ParseRole(s string) (ComponentType, error) {
	switch s {
	case "master":
		return RoleMaster, nil
	case "slave":
		return RoleSlave, nil
	default:
		return RoleNone, fmt.Errorf("unknown node type %q (want master or slave)", s)
	}
}
