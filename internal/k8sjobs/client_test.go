package k8sjobs

import (
	"context"

	"github.com/sirupsen/logrus"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func createTestJobClient(objects ...runtime.Object) *jobClient {
	return &jobClient{
		clientset: fake.NewSimpleClientset(objects...),
		namespace: "test-namespace",
		log:       createTestLogger(),
	}
}

func createTestJob(namespace, name string, active, succeeded, failed int32) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				"app":       "github-scanner",
				"component": "worker",
			},
		},
		Status: batchv1.JobStatus{
			Active:    active,
			Succeeded: succeeded,
			Failed:    failed,
		},
	}
}

var _ = Describe("JobClient", func() {
	var (
		client *jobClient
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("Create", func() {
		Context("when the job does not exist", func() {
			BeforeEach(func() {
				client = createTestJobClient()
			})

			It("creates the job", func() {
				err := client.Create(ctx, JobSpec{
					Name:  "scan-acme-widget-1",
					Env:   map[string]string{"REPO_URL": "https://github.com/acme/widget"},
					Image: "ghcr.io/aarondewes/github-scanner-worker:main",
				})
				Expect(err).NotTo(HaveOccurred())

				job, err := client.clientset.BatchV1().Jobs("test-namespace").Get(ctx, "scan-acme-widget-1", metav1.GetOptions{})
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Labels).To(HaveKeyWithValue("app", "github-scanner"))
				Expect(job.Labels).To(HaveKeyWithValue("component", "worker"))
			})
		})

		Context("when the job already exists", func() {
			BeforeEach(func() {
				client = createTestJobClient(createTestJob("test-namespace", "scan-acme-widget-1", 0, 0, 0))
			})

			It("treats AlreadyExists as success", func() {
				err := client.Create(ctx, JobSpec{Name: "scan-acme-widget-1", Image: "image"})
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("CountActive", func() {
		BeforeEach(func() {
			client = createTestJobClient(
				createTestJob("test-namespace", "scan-a", 1, 0, 0),
				createTestJob("test-namespace", "scan-b", 0, 1, 0),
				createTestJob("test-namespace", "scan-c", 1, 0, 0),
			)
		})

		It("counts only jobs with active pods", func() {
			count, err := client.CountActive(ctx, "app=github-scanner,component=worker")
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(2))
		})
	})

	Describe("ReadStatus", func() {
		Context("when the job exists", func() {
			BeforeEach(func() {
				client = createTestJobClient(createTestJob("test-namespace", "scan-a", 1, 0, 0))
			})

			It("returns its status", func() {
				status, err := client.ReadStatus(ctx, "scan-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(status.Active).To(Equal(int32(1)))
			})
		})

		Context("when the job does not exist", func() {
			BeforeEach(func() {
				client = createTestJobClient()
			})

			It("returns a not-found error", func() {
				_, err := client.ReadStatus(ctx, "missing")
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Delete", func() {
		BeforeEach(func() {
			client = createTestJobClient(createTestJob("test-namespace", "scan-a", 0, 1, 0))
		})

		It("removes the job", func() {
			err := client.Delete(ctx, "scan-a")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.clientset.BatchV1().Jobs("test-namespace").Get(ctx, "scan-a", metav1.GetOptions{})
			Expect(err).To(HaveOccurred())
		})

		It("is idempotent when the job is already gone", func() {
			err := client.Delete(ctx, "does-not-exist")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("List", func() {
		BeforeEach(func() {
			client = createTestJobClient(
				createTestJob("test-namespace", "scan-a", 1, 0, 0),
				createTestJob("test-namespace", "scan-b", 0, 1, 0),
			)
		})

		It("returns every job matching the selector", func() {
			jobs, err := client.List(ctx, "app=github-scanner")
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(2))
		})
	})
})
