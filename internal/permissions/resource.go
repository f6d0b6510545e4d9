package permissions

import (
	"fmt"
	"strings"
)

type Resource string

const (
	ResourceDashboard     Resource = "dashboard"
	ResourceNodes         Resource = "nodes"
	ResourceNodesPrivate  Resource = "nodes_private"
	ResourceMessages      Resource = "messages"
	ResourceChannel0      Resource = "channel_0"
	ResourceChannel1      Resource = "channel_1"
	ResourceChannel2      Resource = "channel_2"
	ResourceChannel3      Resource = "channel_3"
	ResourceChannel4      Resource = "channel_4"
	ResourceChannel5      Resource = "channel_5"
	ResourceChannel6      Resource = "channel_6"
	ResourceChannel7      Resource = "channel_7"
	ResourceSettings      Resource = "settings"
	ResourceConfiguration Resource = "configuration"
	ResourceInfo          Resource = "info"
	ResourceAutomation    Resource = "automation"
	ResourceConnection    Resource = "connection"
	ResourceTraceroute    Resource = "traceroute"
	ResourceAudit         Resource = "audit"
	ResourceSecurity      Resource = "security"
	ResourceThemes        Resource = "themes"
)

// AllResources lists every resource in display order.
var AllResources = []Resource{
	ResourceDashboard,
	ResourceNodes,
	ResourceNodesPrivate,
	ResourceMessages,
	ResourceChannel0,
	ResourceChannel1,
	ResourceChannel2,
	ResourceChannel3,
	ResourceChannel4,
	ResourceChannel5,
	ResourceChannel6,
	ResourceChannel7,
	ResourceSettings,
	ResourceConfiguration,
	ResourceInfo,
	ResourceAutomation,
	ResourceConnection,
	ResourceTraceroute,
	ResourceAudit,
	ResourceSecurity,
	ResourceThemes,
}

// sensitive resources are withheld from the default grants of ordinary users
var sensitiveResources = map[Resource]bool{
	ResourceNodesPrivate: true,
	ResourceAudit:        true,
	ResourceSecurity:     true,
}

var knownResources = func() map[Resource]bool {
	m := make(map[Resource]bool, len(AllResources))
	for _, r := range AllResources {
		m[r] = true
	}
	return m
}()

func ParseResource(s string) (Resource, error) {
	r := Resource(s)
	if !knownResources[r] {
		return "", fmt.Errorf("%w: %q", ErrInvalidResource, s)
	}
	return r, nil
}

func (r Resource) IsValid() bool {
	return knownResources[r]
}

func (r Resource) IsChannel() bool {
	return strings.HasPrefix(string(r), "channel_") && knownResources[r]
}

func (r Resource) String() string {
	return string(r)
}

type Action string

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionViewOnMap Action = "viewOnMap"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionRead, ActionWrite, ActionViewOnMap:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}
