package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// NewApp creates an app with sane defaults derived from the build info.
func NewApp(gitCommit, gitDate, usage string) *cli.App {
	app := cli.NewApp()
	app.EnableBashCompletion = true
	app.Version = version(gitCommit, gitDate)
	app.Usage = usage
	app.Copyright = "Copyright 2021-2026 The wban-bridge Authors"
	return app
}

func version(gitCommit, gitDate string) string {
	v := "1.0.0"
	if len(gitCommit) >= 8 {
		v += "-" + gitCommit[:8]
	}
	if gitDate != "" {
		v += fmt.Sprintf(" (%s)", gitDate)
	}
	return v
}
