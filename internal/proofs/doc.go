// Package proofs 在已提交的账本事件上维护 keccak256 哈希链。
//
// 链根承诺了完整且有序的事件日志，持有事件的一方可以对照公开的检查点
// 验证拿到的历史既没有缺失也没有被篡改。
package proofs
