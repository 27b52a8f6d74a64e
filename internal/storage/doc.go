// Package storage persists transcript records to object storage under
// transcripts/{owner_id}/{arrival_timestamp}.json and reads them back per owner.
package storage
