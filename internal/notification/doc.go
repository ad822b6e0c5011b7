// Package notification は通知の作成・外部送信・既読管理を提供する。
//
// スキャナーが生成したジョブを受信者ごとに独立して処理する。
// 1件の失敗が他の受信者の処理を止めることはない。
// 同じ重複排除キーの通知は一度しか作成されず、外部送信も行わない。
package notification
