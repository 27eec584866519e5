package store

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/localanalytics/localanalytics/pkg/record"
)

// Key layout:
//
//	rec/<table>/<id>                          record JSON
//	idx/<table>/ts/<unix nanos>/<id>          timestamp index
//	idx/<table>/<index>/<value>/<nanos>/<id>  secondary indexes
//
// Nanos are zero-padded to 20 digits so byte order equals time order.

const (
	indexTimestamp = "ts"
	indexName      = "name"
	indexWorkspace = "ws"
	indexUser      = "user"
	indexSession   = "session"
	indexURL       = "url"
)

func recordKey(t record.Table, id string) []byte {
	return []byte("rec/" + string(t) + "/" + id)
}

func indexPrefix(t record.Table, index, value string) []byte {
	if index == indexTimestamp {
		return []byte("idx/" + string(t) + "/ts/")
	}
	return []byte("idx/" + string(t) + "/" + index + "/" + url.PathEscape(value) + "/")
}

func indexKey(t record.Table, index, value string, ts time.Time, id string) []byte {
	nanos := ts.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return append(indexPrefix(t, index, value), []byte(fmt.Sprintf("%020d/%s", nanos, id))...)
}

// idFromIndexKey returns the record id suffix of an index key.
func idFromIndexKey(key []byte) string {
	s := string(key)
	return s[strings.LastIndexByte(s, '/')+1:]
}

type indexEntry struct {
	index string
	value string
}

// secondaryIndexes lists the non-timestamp indexes a record participates in.
func secondaryIndexes(rec record.Record) []indexEntry {
	var out []indexEntry
	switch r := rec.(type) {
	case record.AnalyticsEvent:
		out = append(out, indexEntry{indexName, r.EventName})
		if r.WorkspaceID != "" {
			out = append(out, indexEntry{indexWorkspace, r.WorkspaceID})
		}
		if r.UserID != "" {
			out = append(out, indexEntry{indexUser, r.UserID})
		}
	case record.ErrorReport:
		if r.WorkspaceID != "" {
			out = append(out, indexEntry{indexWorkspace, r.WorkspaceID})
		}
		if r.UserID != "" {
			out = append(out, indexEntry{indexUser, r.UserID})
		}
	case record.SessionRecording:
		out = append(out, indexEntry{indexSession, r.SessionID})
	case record.PageAnalytics:
		out = append(out, indexEntry{indexURL, r.PageURL})
	}
	return out
}

// allKeys returns every key written for rec.
func allKeys(rec record.Record) [][]byte {
	t, id, ts := rec.Table(), rec.RecordID(), rec.RecordTime()
	keys := [][]byte{
		recordKey(t, id),
		indexKey(t, indexTimestamp, "", ts, id),
	}
	for _, e := range secondaryIndexes(rec) {
		keys = append(keys, indexKey(t, e.index, e.value, ts, id))
	}
	return keys
}
