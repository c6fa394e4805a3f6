package jobs

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima/engine/core"
)

var ErrNoWorkers = errors.New("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = errors.New("attempting to create worker pool with a negative channel size")
var ErrPoolClosed = errors.New("worker pool already shut down")

// Task is one unit of work. OnFailure and OnComplete are optional.
type Task struct {
	Name       string
	Run        func(ctx context.Context) error
	OnFailure  func(err error)
	OnComplete func()
}

// Pool runs tasks on a fixed number of goroutines. Each renderer instance is
// driven by exactly one task, so planners never share a goroutine.
type Pool struct {
	ctx        context.Context
	numWorkers int
	jobQueue   chan Task
	wg         sync.WaitGroup

	mutex  sync.Mutex
	closed bool

	errMutex sync.Mutex
	errs     error
}

func NewPool(ctx context.Context, numWorkers int, channelSize int) (*Pool, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	p := &Pool{
		ctx:        ctx,
		numWorkers: numWorkers,
		jobQueue:   make(chan Task, channelSize),
	}
	p.start()
	return p, nil
}

func (p *Pool) start() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.jobQueue {
				p.run(task)
			}
		}()
	}
}

func (p *Pool) run(task Task) {
	err := task.Run(p.ctx)
	if err != nil {
		err = errors.Wrapf(err, "task '%s'", task.Name)
		core.LogError(err.Error())
		p.errMutex.Lock()
		p.errs = errors.CombineErrors(p.errs, err)
		p.errMutex.Unlock()
		if task.OnFailure != nil {
			task.OnFailure(err)
		}
		return
	}
	if task.OnComplete != nil {
		task.OnComplete()
	}
}

// Submit queues the task, blocking while the queue is full.
func (p *Pool) Submit(task Task) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.jobQueue <- task
	return nil
}

// Shutdown waits for every queued task and returns their combined errors.
func (p *Pool) Shutdown() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	close(p.jobQueue)
	p.mutex.Unlock()

	p.wg.Wait()
	return p.errs
}
