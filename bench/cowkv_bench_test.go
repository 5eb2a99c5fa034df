// Package bench holds standalone throughput benchmarks for the cowkv
// environment, grounded on the key-distribution ideas in the teacher's
// common/benchmark/keygen.go but scoped to this module's single engine
// rather than a multi-engine comparison harness.
package bench

import (
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"path/filepath"
	"testing"

	"github.com/intellect4all/cowkv/kvenv"
)

func sequentialKey(i int) []byte {
	buf := make([]byte, 16)
	copy(buf, "bench:")
	binary.BigEndian.PutUint64(buf[8:], uint64(i))
	return buf
}

func zipfianKeys(b *testing.B, numKeys int) [][]byte {
	rng := mrand.New(mrand.NewSource(1))
	z := mrand.NewZipf(rng, 1.1, 1, uint64(numKeys-1))
	keys := make([][]byte, b.N)
	for i := range keys {
		keys[i] = sequentialKey(int(z.Uint64()))
	}
	return keys
}

func openBenchEnv(b *testing.B) *kvenv.Environment {
	b.Helper()
	env, err := kvenv.Open(filepath.Join(b.TempDir(), "db"))
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	b.Cleanup(func() { env.Close() })
	return env
}

func BenchmarkSequentialPut(b *testing.B) {
	env := openBenchEnv(b)
	value := []byte(fmt.Sprintf("%0128d", 0))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tx, err := env.NewTransaction(false)
		if err != nil {
			b.Fatalf("begin: %v", err)
		}
		if _, err := tx.Put(sequentialKey(i), value); err != nil {
			b.Fatalf("put: %v", err)
		}
		if err := tx.Commit(); err != nil {
			b.Fatalf("commit: %v", err)
		}
	}
}

func BenchmarkZipfianGet(b *testing.B) {
	env := openBenchEnv(b)
	const numKeys = 10_000
	value := []byte(fmt.Sprintf("%0128d", 0))

	wtx, err := env.NewTransaction(false)
	if err != nil {
		b.Fatalf("begin: %v", err)
	}
	for i := 0; i < numKeys; i++ {
		if _, err := wtx.Put(sequentialKey(i), value); err != nil {
			b.Fatalf("put: %v", err)
		}
	}
	if err := wtx.Commit(); err != nil {
		b.Fatalf("commit: %v", err)
	}

	keys := zipfianKeys(b, numKeys)

	b.ResetTimer()
	rtx, err := env.NewTransaction(true)
	if err != nil {
		b.Fatalf("begin: %v", err)
	}
	for i := 0; i < b.N; i++ {
		if _, err := rtx.Get(keys[i]); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
	rtx.Commit()
}
