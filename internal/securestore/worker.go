package securestore

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrWorkerClosed = errors.New("kdf worker is closed")

// Observer receives the wall time of each finished job.
type Observer func(kdf KDFID, op string, took time.Duration)

// Worker runs password-based key derivation on a fixed set of goroutines so
// interactive callers only wait on a channel.
type Worker struct {
	jobs    chan job
	observe Observer

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type job struct {
	run    func() ([]byte, error)
	kdf    KDFID
	op     string
	result chan jobResult
}

type jobResult struct {
	out []byte
	err error
}

// NewWorker starts size goroutines. observe may be nil.
func NewWorker(size int, observe Observer) *Worker {
	if size <= 0 {
		size = 1
	}
	w := &Worker{
		jobs:    make(chan job),
		observe: observe,
		done:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	return w
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case j := <-w.jobs:
			started := time.Now()
			out, err := j.run()
			if w.observe != nil {
				w.observe(j.kdf, j.op, time.Since(started))
			}
			// result is buffered; an abandoned caller does not block the loop.
			j.result <- jobResult{out: out, err: err}
		}
	}
}

// Encrypt runs Encrypt on the pool.
func (w *Worker) Encrypt(ctx context.Context, rootKey, password []byte, kdf KDFID) ([]byte, error) {
	return w.submit(ctx, job{
		kdf: kdf,
		op:  "encrypt",
		run: func() ([]byte, error) { return Encrypt(rootKey, password, kdf) },
	})
}

// Decrypt runs Decrypt on the pool. If ctx ends first the plaintext, once
// produced, is wiped instead of returned.
func (w *Worker) Decrypt(ctx context.Context, blob, password []byte) ([]byte, error) {
	kdf := KDFID(0)
	if len(blob) > 1 {
		kdf = KDFID(blob[1])
	}
	return w.submit(ctx, job{
		kdf: kdf,
		op:  "decrypt",
		run: func() ([]byte, error) { return Decrypt(blob, password) },
	})
}

func (w *Worker) submit(ctx context.Context, j job) ([]byte, error) {
	j.result = make(chan jobResult, 1)
	select {
	case <-w.done:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case w.jobs <- j:
	}
	select {
	case r := <-j.result:
		return r.out, r.err
	case <-ctx.Done():
		go func() {
			r := <-j.result
			zeroBytes(r.out)
		}()
		return nil, ctx.Err()
	}
}

// Close stops the pool after in-flight jobs finish.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}
