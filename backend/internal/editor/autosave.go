package editor

import (
	"sync"
	"time"
)

// Autosaver 按固定间隔调用 save，不管内容有没有变
type Autosaver struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func StartAutosave(interval time.Duration, save func()) *Autosaver {
	a := &Autosaver{stop: make(chan struct{})}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				save()
			case <-a.stop:
				return
			}
		}
	}()
	return a
}

// Stop 可以重复调用；返回时不会再有 save 在执行
func (a *Autosaver) Stop() {
	a.once.Do(func() { close(a.stop) })
	a.wg.Wait()
}
