package flags

import "github.com/urfave/cli/v2"

const (
	BananoCategory  = "BANANO NODE"
	EVMCategory     = "EVM CHAIN"
	RedisCategory   = "KEY-VALUE STORE"
	QueueCategory   = "WORK QUEUE"
	ScannerCategory = "CHAIN SCANNER"
	LoggingCategory = "LOGGING AND DEBUGGING"
	MetricsCategory = "METRICS AND STATS"
	MiscCategory    = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}
