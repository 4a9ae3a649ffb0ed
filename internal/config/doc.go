// Package config 负责加载 AgentDesk 的 YAML 配置、.env 文件与 AGENTDESK_* 环境变量覆盖。
package config
