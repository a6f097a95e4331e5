package version

// Version is overridden at build time via -ldflags "-X rescan/version.Version=...".
var Version = "dev"
