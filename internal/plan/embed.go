package plan

import (
	"embed"
)

// builtinTemplates embeds the plan templates shipped with the daemon.
//
//go:embed templates/*
var builtinTemplates embed.FS
