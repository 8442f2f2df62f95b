//go:build go1.18

package domain

import "testing"

// FuzzParseUserID checks that parsing never panics and that accepted ids round-trip.
func FuzzParseUserID(f *testing.F) {
	f.Add("")
	f.Add("p1")
	f.Add("admin@clinic")
	f.Add("'; DROP TABLE identities;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseUserID(input)
		if err != nil {
			return
		}
		again, err := ParseUserID(id.String())
		if err != nil {
			t.Errorf("accepted id failed round-trip: %v", err)
		}
		if again != id {
			t.Error("round-trip changed id value")
		}
	})
}
