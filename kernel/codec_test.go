package kernel

import (
	"bytes"
	"reflect"
	"testing"

	"kimberlite.dev/core/types"
)

func TestCommandRoundTrip(t *testing.T) {
	off := types.Offset(7)
	cases := []Command{
		CreateStream{Tenant: 1, Name: "orders", DataClass: types.DataClassPHI, At: 100},
		AppendBatch{Tenant: 1, Stream: 2, Events: [][]byte{[]byte("a"), []byte("bb")}, IdempotencyId: types.IdempotencyId{1, 2, 3}, ExpectedOffset: &off, At: 200},
		CreateTable{Tenant: 1, Stream: 2, Name: "t", Columns: []string{"a", "b"}, At: 300},
		DropTable{Tenant: 1, Table: 4, At: 400},
		CreateIndex{Tenant: 1, Table: 4, Column: "a", At: 500},
		Insert{Tenant: 1, Table: 4, Row: map[string][]byte{"b": []byte("2"), "a": []byte("1")}, At: 600},
		Update{Tenant: 1, Table: 4, Key: []byte("k"), Row: map[string][]byte{"a": []byte("1")}, At: 700},
		Delete{Tenant: 1, Table: 4, Key: []byte("k"), At: 800},
		CreateCheckpoint{Tenant: 1, At: 900},
		Reconfig{NewReplicaSet: []types.ReplicaId{0, 1, 2}, At: 1000},
	}
	for _, cmd := range cases {
		encoded := EncodeCommand(cmd)
		decoded, err := DecodeCommand(encoded)
		if err != nil {
			t.Fatalf("DecodeCommand(%T): %v", cmd, err)
		}
		if !reflect.DeepEqual(cmd, decoded) {
			t.Fatalf("round trip mismatch for %T: got %#v, want %#v", cmd, decoded, cmd)
		}
		if !bytes.Equal(encoded, EncodeCommand(decoded)) {
			t.Fatalf("re-encoding decoded %T produced different bytes", cmd)
		}
	}
}

func TestDecodeCommandTruncatedIsByzantine(t *testing.T) {
	_, err := DecodeCommand([]byte{byte(tagCreateStream)})
	if err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

func TestInsertRowEncodingOrderIndependent(t *testing.T) {
	a := Insert{Tenant: 1, Table: 1, Row: map[string][]byte{"z": []byte("1"), "a": []byte("2")}, At: 1}
	b := Insert{Tenant: 1, Table: 1, Row: map[string][]byte{"a": []byte("2"), "z": []byte("1")}, At: 1}
	if !bytes.Equal(EncodeCommand(a), EncodeCommand(b)) {
		t.Fatal("map iteration order must not affect encoded bytes")
	}
}
