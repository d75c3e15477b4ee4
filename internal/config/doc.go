// Package config 负责加载 AgentLedger 守护进程的启动配置，支持 JSON 与 YAML
// 两种格式（按扩展名区分），并提供默认值填充、环境变量覆盖与校验。
package config
