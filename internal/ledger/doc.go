// Package ledger 是智能体资产归属与市场挂单的权威账本。
//
// 资产只有一个所有者；只有发行方可以铸造，只有所有者可以挂单、改价、撤单；
// 购买在一次提交内完成付款与所有权交换。每次变更先写入 Store 再对外可见，
// 事件在所有锁释放后按序列号顺序投递给 Notifier。
package ledger
