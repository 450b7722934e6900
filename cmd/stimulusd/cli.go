// Package main defines the stimulusd command line.
package main

// CLI 定义 stimulusd 的命令行结构。
type CLI struct {
	Run         RunCmd         `cmd:"" help:"Run the agent daemon"`
	Validate    ValidateCmd    `cmd:"" help:"Validate a configuration file"`
	Publish     PublishCmd     `cmd:"" help:"Publish one message through the configured broker"`
	DeadLetters DeadLettersCmd `cmd:"" name:"dead-letters" help:"List messages that exhausted their retries"`
	Version     VersionCmd     `cmd:"" help:"Show version information"`
}

// RunCmd 启动 agent 并阻塞到收到退出信号。
type RunCmd struct {
	Config string `short:"c" env:"STIMULUS_CONFIG" help:"Config file path (json, yaml or toml)"`
}

// ValidateCmd 只加载并校验配置。
type ValidateCmd struct {
	Config string `short:"c" env:"STIMULUS_CONFIG" help:"Config file path (json, yaml or toml)"`
}

// PublishCmd 向 exchange 投递一条消息，便于手动触发监听器。
type PublishCmd struct {
	Config     string            `short:"c" env:"STIMULUS_CONFIG" help:"Config file path (json, yaml or toml)"`
	Exchange   string            `short:"e" help:"Target exchange, empty for the default exchange"`
	RoutingKey string            `short:"k" required:"" help:"Routing key, or the queue name for the default exchange"`
	Body       string            `short:"b" required:"" help:"Message body"`
	Header     map[string]string `short:"H" help:"Header key=value (repeatable)"`
	Timeout    string            `default:"30s" help:"Give up when the broker is unreachable for this long"`
}

// DeadLettersCmd 列出死信存储中的记录。
type DeadLettersCmd struct {
	Config string `short:"c" env:"STIMULUS_CONFIG" help:"Config file path (json, yaml or toml)"`
	Queue  string `short:"q" help:"Only show records from this queue"`
	Limit  int    `short:"n" default:"20" help:"Maximum number of records"`
}

// VersionCmd 打印版本信息。
type VersionCmd struct{}
