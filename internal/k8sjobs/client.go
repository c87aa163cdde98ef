// Package k8sjobs wraps the batch/v1 Job API the dispatch worker uses to
// submit and garbage-collect scan jobs, in the same
// clientset-plus-namespace-plus-logger composition the teacher's pkg/k8s
// package uses for its pod and deployment clients.
package k8sjobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/aarondewes/ghscanner/internal/errors"
)

// JobStatus summarizes a batch/v1 Job's status, the subset read_status
// needs without leaking the k8s.io/api type into callers.
type JobStatus struct {
	Active         int32
	Succeeded      int32
	Failed         int32
	StartTime      *metav1.Time
	CompletionTime *metav1.Time
}

// JobSpec describes the scan job to create; callers supply the derived
// job name and environment, not a raw batchv1.Job.
type JobSpec struct {
	Name    string
	Env     map[string]string
	Image   string
	Labels  map[string]string
}

const (
	backoffLimit     = 3
	ttlAfterFinished = int32(3600)
	cpuRequest       = "500m"
	memoryRequest    = "1Gi"
	cpuLimit         = "2"
	memoryLimit      = "4Gi"
)

// JobClient is the cluster job capability of spec §4.C: create, count,
// inspect, delete and list scan jobs in a single namespace.
type JobClient interface {
	Create(ctx context.Context, spec JobSpec) error
	CountActive(ctx context.Context, selector string) (int, error)
	ReadStatus(ctx context.Context, name string) (*JobStatus, error)
	Delete(ctx context.Context, name string) error
	DeleteForeground(ctx context.Context, name string) error
	List(ctx context.Context, selector string) ([]batchv1.Job, error)
}

type jobClient struct {
	clientset kubernetes.Interface
	namespace string
	log       *logrus.Logger
}

// NewJobClient builds a JobClient against the in-cluster config, falling
// back to kubeconfig (KUBECONFIG or the default loading rules) so the
// dispatcher binary also runs against a developer's local cluster.
func NewJobClient(namespace string, logger *logrus.Logger) (JobClient, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load kubernetes config")
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build kubernetes clientset")
	}

	return &jobClient{clientset: clientset, namespace: namespace, log: logger}, nil
}

// Create submits a scan job. A conflicting name (AlreadyExists) is treated
// as success so dispatch re-submission stays idempotent.
func (c *jobClient) Create(ctx context.Context, spec JobSpec) error {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	labels := map[string]string{
		"app":       "github-scanner",
		"component": "worker",
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: c.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To(int32(backoffLimit)),
			TTLSecondsAfterFinished: ptr.To(ttlAfterFinished),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:            "scanner",
							Image:           spec.Image,
							ImagePullPolicy: corev1.PullAlways,
							Env:             env,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(cpuRequest),
									corev1.ResourceMemory: resource.MustParse(memoryRequest),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(cpuLimit),
									corev1.ResourceMemory: resource.MustParse(memoryLimit),
								},
							},
						},
					},
				},
			},
		},
	}

	_, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		c.log.WithField("job", spec.Name).Debug("job already exists, treating as success")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create scan job")
	}
	return nil
}

// CountActive returns the number of jobs matching selector with at least
// one active pod.
func (c *jobClient) CountActive(ctx context.Context, selector string) (int, error) {
	jobs, err := c.List(ctx, selector)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range jobs {
		if job.Status.Active > 0 {
			count++
		}
	}
	return count, nil
}

// ReadStatus returns the named job's status fields.
func (c *jobClient) ReadStatus(ctx context.Context, name string) (*JobStatus, error) {
	job, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errors.NewNotFoundError(fmt.Sprintf("job %s not found", name))
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read job status")
	}
	return &JobStatus{
		Active:         job.Status.Active,
		Succeeded:      job.Status.Succeeded,
		Failed:         job.Status.Failed,
		StartTime:      job.Status.StartTime,
		CompletionTime: job.Status.CompletionTime,
	}, nil
}

// Delete removes the named job with Background propagation; a job that is
// already gone is not an error. The dispatcher's terminal-job GC sweep uses
// DeleteForeground instead.
func (c *jobClient) Delete(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	err := c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to delete job")
	}
	return nil
}

// DeleteForeground removes the named job with Foreground propagation,
// used by the dispatcher's hourly terminal-job GC sweep so pods are gone
// before the Job object disappears.
func (c *jobClient) DeleteForeground(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationForeground
	err := c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to delete job")
	}
	return nil
}

// List returns every job matching selector in the client's namespace.
func (c *jobClient) List(ctx context.Context, selector string) ([]batchv1.Job, error) {
	list, err := c.clientset.BatchV1().Jobs(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to list jobs")
	}
	return list.Items, nil
}
