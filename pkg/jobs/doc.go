// Package jobs schedules the worker's periodic jobs with robfig/cron.
//
// Each run takes a Redis lock named after the job so that, with several
// worker replicas, a job runs on one of them at a time. Without Redis the
// scheduler falls back to LocalLocker.
//
//	sched := jobs.NewScheduler(jobs.NewRedisLocker(rdb, ""), logger)
//	_ = sched.Register(jobs.Job{
//		Name:     "usage_report",
//		Schedule: "0 3 * * *",
//		Run: func(ctx context.Context) error {
//			_, err := reporter.Run(ctx)
//			return err
//		},
//	})
//	sched.Start()
//	defer sched.Stop(ctx)
package jobs
