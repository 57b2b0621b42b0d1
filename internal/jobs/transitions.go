package jobs

import "github.com/lagrangedao/go-computing-broker/internal/models"

var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobDraft:    {models.JobPosted, models.JobCancelled},
	models.JobPosted:   {models.JobAccepted, models.JobCancelled},
	models.JobAccepted: {models.JobRunning, models.JobFailed, models.JobCancelled},
	models.JobRunning:  {models.JobPaused, models.JobCompleted, models.JobFailed, models.JobCancelled},
	models.JobPaused:   {models.JobRunning, models.JobFailed, models.JobCancelled},
}

// CanTransition reports whether the job graph has an edge from -> to.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalid(job *models.Job, attempted, detail string) error {
	return &models.InvalidTransitionError{
		JobID:     job.ID,
		From:      job.Status,
		Attempted: attempted,
		Detail:    detail,
	}
}

func isAdmin(auth models.AuthContext) bool {
	return auth.Role == models.RoleAdmin
}

func isClientOf(auth models.AuthContext, job *models.Job) bool {
	return auth.Role == models.RoleClient && auth.UserID == job.ClientID
}

func isProviderOf(auth models.AuthContext, job *models.Job) bool {
	return auth.Role == models.RoleProvider && job.ProviderID != "" && auth.UserID == job.ProviderID
}

func requireClient(auth models.AuthContext, job *models.Job) error {
	if isAdmin(auth) || isClientOf(auth, job) {
		return nil
	}
	return models.Forbiddenf("user %s is not the client of job %s", auth.UserID, job.ID)
}

// requireProvider admits only the job's provider. A job nobody accepted yet
// has no provider to act for it, which is a precondition failure.
func requireProvider(auth models.AuthContext, job *models.Job, attempted string) error {
	if job.ProviderID == "" {
		return invalid(job, attempted, "no provider assigned")
	}
	if isProviderOf(auth, job) {
		return nil
	}
	return models.Forbiddenf("user %s is not the provider of job %s", auth.UserID, job.ID)
}

func requireParty(auth models.AuthContext, job *models.Job) error {
	if isAdmin(auth) || isClientOf(auth, job) || isProviderOf(auth, job) {
		return nil
	}
	return models.Forbiddenf("user %s is not a party of job %s", auth.UserID, job.ID)
}
