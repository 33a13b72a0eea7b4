package plugin

import "strings"

// Capability names a host facility a plugin may be granted through its policy.
type Capability string

const (
	// CapabilityServices allows registering channel calls.
	CapabilityServices Capability = "services"
	// CapabilityStreams allows registering channel streams.
	CapabilityStreams Capability = "streams"
	// CapabilitySchemas allows registering wallpaper schemas.
	CapabilitySchemas Capability = "schemas"

	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Author       string       `json:"author,omitempty"`
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Hooks is the set of lifecycle hooks a plugin instance implements.
type Hooks uint8

const (
	HookReady Hooks = 1 << iota
	HookBeforeLoadWallpaper
	HookAfterLoadWallpaper
	HookDestroy
)

var hookNames = []struct {
	hook Hooks
	name string
}{
	{HookReady, "ready"},
	{HookBeforeLoadWallpaper, "beforeLoadWallpaper"},
	{HookAfterLoadWallpaper, "afterLoadWallpaper"},
	{HookDestroy, "destroy"},
}

// Has reports whether every hook in other is present.
func (h Hooks) Has(other Hooks) bool {
	return h&other == other
}

// Names lists the implemented hooks in lifecycle order.
func (h Hooks) Names() []string {
	var names []string
	for _, hn := range hookNames {
		if h.Has(hn.hook) {
			names = append(names, hn.name)
		}
	}
	return names
}

func (h Hooks) String() string {
	names := h.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// HooksOf inspects which optional hook interfaces p implements.
func HooksOf(p Plugin) Hooks {
	var h Hooks
	if _, ok := p.(ReadyHook); ok {
		h |= HookReady
	}
	if _, ok := p.(BeforeLoadWallpaperHook); ok {
		h |= HookBeforeLoadWallpaper
	}
	if _, ok := p.(AfterLoadWallpaperHook); ok {
		h |= HookAfterLoadWallpaper
	}
	if _, ok := p.(DestroyHook); ok {
		h |= HookDestroy
	}
	return h
}

// Phase is the lifecycle position of the host. Phases only move forward.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseReady
	PhaseBeforeLoadWallpaper
	PhaseAfterLoadWallpaper
	PhaseDestroyed
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseBeforeLoadWallpaper:
		return "beforeLoadWallpaper"
	case PhaseAfterLoadWallpaper:
		return "afterLoadWallpaper"
	case PhaseDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Descriptor is the host's view of one registered plugin.
type Descriptor struct {
	Info   Info     `json:"info"`
	Hooks  []string `json:"hooks"`
	Source string   `json:"source"`
}
