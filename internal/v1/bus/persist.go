package bus

import "encoding/json"

func (e persistEntry) encode() string {
	b, _ := json.Marshal(e)
	return string(b)
}

func decodePersistEntry(raw string) (PersistEntry, error) {
	var e persistEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return PersistEntry{}, err
	}
	return PersistEntry{RedisID: e.RedisID, StreamRecord: e.StreamRecord}, nil
}
