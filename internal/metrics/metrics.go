package metrics

const (
	EnrolledTasksH = "The number of tasks currently enrolled in time dilation"
	EnrolledTasksN = "tense_enrolled_tasks"
	TimeSpeedH     = "The moving average of the speed of virtual time per core"
	TimeSpeedN     = "tense_time_speed"

	SyncWaitsH    = "The total number of times a core was held back by the divergence bound"
	SyncWaitsN    = "tense_sync_waits_total"
	SyncReleasesH = "The total number of times a held back core was released"
	SyncReleasesN = "tense_sync_releases_total"

	ForcedWakeupsH       = "The total number of sleeps ended by the per-tick reconciliation pass"
	ForcedWakeupsN       = "tense_forced_wakeups_total"
	TimerWakeupsH        = "The total number of sleeps ended by a wakeup timer"
	TimerWakeupsN        = "tense_timer_wakeups_total"
	TimersArmedH         = "The total number of wakeup timers armed"
	TimersArmedN         = "tense_timers_armed_total"
	InterruptedSleepsH   = "The total number of sleeps interrupted before their deadline"
	InterruptedSleepsN   = "tense_interrupted_sleeps_total"
	WakeupOverrunsH      = "The total number of forced wakeups that overran the expected slack"
	WakeupOverrunsN      = "tense_wakeup_overruns_total"
	ConsistencyWarningsH = "The total number of internal consistency violations detected"
	ConsistencyWarningsN = "tense_consistency_warnings_total"
)
