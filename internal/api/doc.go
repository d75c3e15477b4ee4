// Package api 通过 REST 接口暴露账本的铸造、挂单、购买与查询能力，
// 并提供钱包登录、WebSocket 实时事件流以及 Prometheus 指标端点。
package api
