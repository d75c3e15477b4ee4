// Package events 负责把账本已提交的事件投递给外部观察者（索引器、实时推送等）。
// 提供内存、Redis list 与 RabbitMQ 三种总线实现，以及把多个下游聚合为
// ledger.Notifier 的 Fanout。
package events
