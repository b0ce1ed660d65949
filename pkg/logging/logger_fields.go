package logging

import (
	"fmt"
	"time"
)

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Stringer logs value.String(), which keeps CSNs and states readable.
func Stringer(key string, value fmt.Stringer) Field {
	if value == nil {
		return Field{Key: key, Value: nil}
	}
	return Field{Key: key, Value: value.String()}
}

// Replication field helpers

func Component(name string) Field {
	return String("component", name)
}

func BaseDN(dn string) Field {
	return String("base_dn", dn)
}

func ServerID(id int32) Field {
	return Field{Key: "server_id", Value: id}
}

func PeerID(id int32) Field {
	return Field{Key: "peer_id", Value: id}
}

func CSN(c fmt.Stringer) Field {
	return Stringer("csn", c)
}

func Round(id string) Field {
	return String("round", id)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}
