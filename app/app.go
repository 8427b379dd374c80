package app

const (
	AppName = "mapdesk"

	Version = "0.4.0"

	// LogFileName is the name of the log file inside the configured log directory.
	LogFileName = "mapdesk.log"
	// ConfigFileName is looked up in the working directory when no config path is given.
	ConfigFileName = "mapdesk.json"

	// DefaultPortalURL is the sharing REST root of the public portal.
	DefaultPortalURL = "https://www.arcgis.com/sharing/rest"
	// DefaultClientID is the registered client id of the desktop app.
	DefaultClientID = "70xWEIGU08ikrF6c"
	// DefaultRedirectURI is never loaded; the sign-in window stops when it is reached.
	DefaultRedirectURI = "http://localhost"
)
