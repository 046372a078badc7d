// Package stores provides the SQLite persistence layer for recovery plans,
// run checkpoints, recovery reports, approval requests, run timelines and
// the operator audit log. Reports can additionally be archived to S3
// compatible object storage.
package stores
