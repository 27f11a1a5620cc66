package store

import "github.com/azirkitai/quetama-live-sub000/internal/models"

// transitionMap lists, per target status, the statuses a patient may come
// from. Re-requesting the patient's current status is always allowed when
// the target is reachable at all (recall, idempotent retry); "waiting" is
// intentionally absent because patients only enter it at registration.
var transitionMap = map[models.Status][]models.Status{
	models.StatusCalled:     {models.StatusWaiting, models.StatusInProgress, models.StatusRequeue, models.StatusDispensary},
	models.StatusInProgress: {models.StatusCalled},
	models.StatusCompleted:  {models.StatusCalled, models.StatusInProgress, models.StatusDispensary},
	models.StatusRequeue:    {models.StatusCalled, models.StatusInProgress},
	models.StatusDispensary: {models.StatusCalled, models.StatusInProgress, models.StatusCompleted},
}

func ValidTransition(target, from models.Status) bool {
	allowed, ok := transitionMap[target]
	if !ok {
		return false
	}
	if from == target {
		return true
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}
