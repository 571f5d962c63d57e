package metrics

import (
	"time"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

type Nop struct{}

func (Nop) RecordIngested(domain.Category)                   {}
func (Nop) RecordExtraction(domain.Category, string)         {}
func (Nop) RecordDispatch(string)                            {}
func (Nop) RecordTerminal(domain.Category, domain.FileState) {}
func (Nop) ObserveStage(domain.FileState, time.Duration)     {}
func (Nop) SetQueueDepth(domain.Category, int)               {}
func (Nop) WorkerBusy(int)                                   {}
