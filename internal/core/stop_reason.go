package core

// StopReason labels why a plugin (or the whole app) is being stopped, so a
// shutdown trace reads unambiguously in the logs.
type StopReason string

const (
	StopUnknown       StopReason = "unknown"
	StopAppStop       StopReason = "app_stop"       // whole process shutting down
	StopPluginDisable StopReason = "plugin_disable" // disabled via config reload
	StopConfigReload  StopReason = "config_reload"  // restarted to apply new config
)
