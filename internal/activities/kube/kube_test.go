package kube

import (
	"context"
	"encoding/json"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/affandar/toygres/internal/lifecycle"
	"github.com/affandar/toygres/pkg/errs"
)

func newCatalog() *Catalog {
	return New(k8sfake.NewSimpleClientset(), "toygres-test")
}

func TestDeployPostgres_CreatesServiceAndStatefulSet(t *testing.T) {
	c := newCatalog()
	input, _ := json.Marshal(lifecycle.CreateInstanceInput{K8sName: "db-1", UserName: "alice", Region: "local"})

	_, err := c.DeployPostgres(context.Background(), input)
	require.NoError(t, err)

	_, err = c.clientset.CoreV1().Services("toygres-test").Get(context.Background(), "db-1", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = c.clientset.AppsV1().StatefulSets("toygres-test").Get(context.Background(), "db-1", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestWaitReady_NotYetReadyIsInfraError(t *testing.T) {
	c := newCatalog()
	input, _ := json.Marshal(lifecycle.CreateInstanceInput{K8sName: "db-2"})
	_, err := c.DeployPostgres(context.Background(), input)
	require.NoError(t, err)

	_, err = c.WaitReady(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, errs.KindInfra, errs.ClassOf(err))
}

func TestWaitReady_ReadyReturnsSuccess(t *testing.T) {
	c := newCatalog()
	input, _ := json.Marshal(lifecycle.CreateInstanceInput{K8sName: "db-3"})
	_, err := c.DeployPostgres(context.Background(), input)
	require.NoError(t, err)

	sts, err := c.clientset.AppsV1().StatefulSets("toygres-test").Get(context.Background(), "db-3", metav1.GetOptions{})
	require.NoError(t, err)
	sts.Status.ReadyReplicas = 1
	_, err = c.clientset.AppsV1().StatefulSets("toygres-test").UpdateStatus(context.Background(), sts, metav1.UpdateOptions{})
	require.NoError(t, err)

	result, err := c.WaitReady(context.Background(), input)
	require.NoError(t, err)
	var decoded struct{ Ready bool }
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.True(t, decoded.Ready)
}

func TestWaitReady_CrashLoopIsAppError(t *testing.T) {
	c := newCatalog()
	input, _ := json.Marshal(lifecycle.CreateInstanceInput{K8sName: "db-4"})
	_, err := c.DeployPostgres(context.Background(), input)
	require.NoError(t, err)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "db-4-0", Namespace: "toygres-test", Labels: map[string]string{"app": "db-4"}},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff", Message: "boom"}},
			}},
		},
	}
	_, err = c.clientset.CoreV1().Pods("toygres-test").Create(context.Background(), pod, metav1.CreateOptions{})
	require.NoError(t, err)

	_, err = c.WaitReady(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, errs.KindApp, errs.ClassOf(err))
}

func TestGetConnectionEndpoint_ClusterIPByDefault(t *testing.T) {
	c := newCatalog()
	input, _ := json.Marshal(lifecycle.CreateInstanceInput{K8sName: "db-5"})
	_, err := c.DeployPostgres(context.Background(), input)
	require.NoError(t, err)

	clientSvc, err := c.clientset.CoreV1().Services("toygres-test").Get(context.Background(), "db-5-client", metav1.GetOptions{})
	require.NoError(t, err)
	clientSvc.Spec.ClusterIP = "10.0.0.7"
	_, err = c.clientset.CoreV1().Services("toygres-test").Update(context.Background(), clientSvc, metav1.UpdateOptions{})
	require.NoError(t, err)

	result, err := c.GetConnectionEndpoint(context.Background(), input)
	require.NoError(t, err)
	var out ConnectionEndpoints
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "postgres://10.0.0.7:5432", out.IPConnectionString)
	assert.Equal(t, "postgres://db-5.toygres-test.svc.cluster.local:5432", out.DNSConnectionString)
}

func TestGetConnectionEndpoint_LoadBalancerWaitsForIngress(t *testing.T) {
	c := newCatalog()
	input, _ := json.Marshal(lifecycle.CreateInstanceInput{K8sName: "db-6", UseLoadBalancer: true})
	_, err := c.DeployPostgres(context.Background(), input)
	require.NoError(t, err)

	_, err = c.GetConnectionEndpoint(context.Background(), input)
	require.Error(t, err, "no ingress assigned yet must be retried as an InfraError")
	assert.Equal(t, errs.KindInfra, errs.ClassOf(err))

	clientSvc, err := c.clientset.CoreV1().Services("toygres-test").Get(context.Background(), "db-6-client", metav1.GetOptions{})
	require.NoError(t, err)
	clientSvc.Status.LoadBalancer.Ingress = []corev1.LoadBalancerIngress{{IP: "203.0.113.9"}}
	_, err = c.clientset.CoreV1().Services("toygres-test").UpdateStatus(context.Background(), clientSvc, metav1.UpdateOptions{})
	require.NoError(t, err)

	result, err := c.GetConnectionEndpoint(context.Background(), input)
	require.NoError(t, err)
	var out ConnectionEndpoints
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "203.0.113.9", out.ExternalIP)
	assert.Equal(t, "postgres://203.0.113.9:5432", out.IPConnectionString)
}

func TestDeletePostgres_NotFoundIsNotAnError(t *testing.T) {
	c := newCatalog()
	input, _ := json.Marshal(lifecycle.DeleteInstanceInput{K8sName: "never-existed"})
	_, err := c.DeletePostgres(context.Background(), input)
	assert.NoError(t, err)
}

var _ = appsv1.StatefulSet{}
