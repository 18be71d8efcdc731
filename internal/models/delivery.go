package models

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission maps a platform permission string onto Permission.
// Anything unrecognised is treated as default.
func ParsePermission(s string) Permission {
	switch Permission(s) {
	case PermissionGranted:
		return PermissionGranted
	case PermissionDenied:
		return PermissionDenied
	default:
		return PermissionDefault
	}
}

type Surface string

const (
	SurfaceNone  Surface = "none"
	SurfacePush  Surface = "push"
	SurfaceToast Surface = "toast"
	SurfaceBadge Surface = "badge"
)

// Presentation is what a delivery surface is asked to show for one notification.
type Presentation struct {
	Surface      Surface      `json:"surface"`
	Tag          string       `json:"tag,omitempty"`
	Notification Notification `json:"notification"`
}
