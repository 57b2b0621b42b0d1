package constants

// celery task names
const TASK_RECONCILE_JOB string = "broker.reconcile_job"
const TASK_RECONCILE_PENDING string = "broker.reconcile_pending"

const REDIS_LOCK_PREFIX = "broker:lock:"
const REDIS_EVENTS_CHANNEL = "broker:events"

const JOB_LOCK_PREFIX = "job/"
