package model

// TaskRoute is the closed set of task-type families the conductor knows
// how to verify. Adding a task type means adding it to RouteForType, so a
// new family is a compile-time decision rather than a silent default.
type TaskRoute string

const (
	RouteComponent TaskRoute = "component"
	RouteVoice     TaskRoute = "voice"
	RouteResearch  TaskRoute = "research"
	RouteNoop      TaskRoute = "noop"
	RouteUnknown   TaskRoute = "unknown"
)

// Task type names produced by the upstream dispatcher.
const (
	TypeComponentGenerate = "component.generate"
	TypeComponentUpdate   = "component.update"
	TypeVoiceRespond      = "voice.respond"
	TypeResearchYoutube   = "research.youtube"
	TypeResearchWeb       = "research.web"
	TypeCanvasNoop        = "canvas.noop"
)

// RouteForType tags a task-type name with its route variant.
func RouteForType(taskType string) TaskRoute {
	switch taskType {
	case TypeComponentGenerate, TypeComponentUpdate:
		return RouteComponent
	case TypeVoiceRespond:
		return RouteVoice
	case TypeResearchYoutube, TypeResearchWeb:
		return RouteResearch
	case TypeCanvasNoop:
		return RouteNoop
	default:
		return RouteUnknown
	}
}
