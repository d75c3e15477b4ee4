// Package indexer 消费事件总线上的账本事件，维护每个资产的流转历史与
// 市场活动统计，供 API 查询。事件按 ID 去重，按序号排序，可安全重放。
package indexer
